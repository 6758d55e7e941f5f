// Package store provides in-memory implementations of the sim storage interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/simbridge/rental"
	"github.com/warp/simbridge/sim"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements sim.RegistryStore and sim.LocalStore. It counts
// mutating calls so tests can assert that nothing was written.
type Memory struct {
	mu        sync.RWMutex
	sims      map[string]sim.Record
	inventory []rental.InventoryItem
	rentals   []rental.RentalRecord

	ReplaceCalls    int
	UpdateCalls     int
	MarkRentedCalls int
	FailReplace     error
}

func NewMemory() *Memory {
	return &Memory{sims: make(map[string]sim.Record)}
}

// Seed loads local inventory and rentals.
func (m *Memory) Seed(inventory []rental.InventoryItem, rentals []rental.RentalRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory = append([]rental.InventoryItem(nil), inventory...)
	m.rentals = append([]rental.RentalRecord(nil), rentals...)
}

func (m *Memory) ListSims(_ context.Context) ([]sim.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]sim.Record, 0, len(m.sims))
	for _, r := range m.sims {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ICCID < out[j].ICCID })
	return out, nil
}

func (m *Memory) GetSim(_ context.Context, iccid string) (*sim.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sims[iccid]
	if !ok {
		return nil, sim.ErrNotFound
	}
	return &r, nil
}

// ReplaceAll swaps the registry wholesale.
func (m *Memory) ReplaceAll(_ context.Context, records []sim.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReplaceCalls++
	if m.FailReplace != nil {
		return m.FailReplace
	}
	next := make(map[string]sim.Record, len(records))
	for _, r := range records {
		next[r.ICCID] = r
	}
	m.sims = next
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, iccid string, status sim.Status, detail sim.Detail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateCalls++
	r, ok := m.sims[iccid]
	if !ok {
		return sim.ErrNotFound
	}
	r.Status = status
	r.StatusDetail = detail
	m.sims[iccid] = r
	return nil
}

func (m *Memory) ListInventory(_ context.Context) ([]rental.InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]rental.InventoryItem(nil), m.inventory...), nil
}

func (m *Memory) ListRentals(_ context.Context) ([]rental.RentalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]rental.RentalRecord(nil), m.rentals...), nil
}

func (m *Memory) MarkInventoryRented(_ context.Context, iccid string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkRentedCalls++
	changed := 0
	for i := range m.inventory {
		if m.inventory[i].SimNumber == iccid && m.inventory[i].Status == rental.ItemAvailable {
			m.inventory[i].Status = rental.ItemRented
			changed++
		}
	}
	return changed, nil
}

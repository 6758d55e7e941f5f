/*
store.go - Persistence interfaces for the local SIM mirror

PURPOSE:
  Defines the boundary between portal/workflow logic and the database.

KEY INTERFACES:
  RegistryStore:  SimRegistryRecord persistence, keyed by ICCID
  LocalStore:     Read access to the shop's inventory and rentals, plus the
                  single write the bridge is allowed (inventory status patch)

FULL REFRESH:
  ReplaceAll swaps the whole registry for the given records. Implementations
  must make the swap atomic for readers (upsert tagged with a generation,
  then prune older generations, in one transaction). Callers never invoke
  ReplaceAll with an empty slice; see portal.Gateway.Sync.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - sim/store/memory.go: In-memory for tests

SEE ALSO:
  - portal/gateway.go: Writes the registry
  - reconcile/engine.go: Reads both stores' data as plain slices
*/
package sim

import (
	"context"

	"github.com/warp/simbridge/rental"
)

// RegistryStore persists Records.
type RegistryStore interface {
	// ListSims returns every record, ordered by ICCID.
	ListSims(ctx context.Context) ([]Record, error)

	// GetSim returns the record for an ICCID or ErrNotFound.
	GetSim(ctx context.Context, iccid string) (*Record, error)

	// ReplaceAll replaces the whole registry with records.
	ReplaceAll(ctx context.Context, records []Record) error

	// UpdateStatus patches the status of one record. ErrNotFound if absent.
	UpdateStatus(ctx context.Context, iccid string, status Status, detail Detail) error
}

// LocalStore reads the shop's inventory and rental ledger.
type LocalStore interface {
	ListInventory(ctx context.Context) ([]rental.InventoryItem, error)

	// ListRentals returns rentals with Items populated.
	ListRentals(ctx context.Context) ([]rental.RentalRecord, error)

	// MarkInventoryRented sets every available item carrying iccid to rented
	// and returns how many items changed.
	MarkInventoryRented(ctx context.Context, iccid string) (int, error)
}

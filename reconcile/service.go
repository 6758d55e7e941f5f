package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/simbridge/sim"
)

// Config tunes the service.
type Config struct {
	Debounce           time.Duration
	ExpiringWindowDays int
	PhoneRegion        string
	// Location decides which calendar day "today" is.
	Location *time.Location
}

// Service keeps the latest View. Refresh recomputes synchronously; Notify
// schedules a debounced recompute for bursts of local change notifications.
type Service struct {
	registry sim.RegistryStore
	local    sim.LocalStore
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	debouncer *Debouncer

	// refreshMu serializes Refresh so views are published in build order.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	view    *View
	builtAt time.Time
	lastErr error
}

func NewService(registry sim.RegistryStore, local sim.LocalStore, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		registry: registry,
		local:    local,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	s.debouncer = NewDebouncer(cfg.Debounce, func() {
		if _, err := s.Refresh(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("debounced reconciliation failed")
		}
	}, logger)
	return s
}

// Refresh loads all three inputs and recomputes the view. Concurrent
// calls run one after the other, so the published view is always the one
// built from the latest reads.
func (s *Service) Refresh(ctx context.Context) (*View, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	registry, err := s.registry.ListSims(ctx)
	if err != nil {
		return nil, s.fail(fmt.Errorf("load registry: %w", err))
	}
	inventory, err := s.local.ListInventory(ctx)
	if err != nil {
		return nil, s.fail(fmt.Errorf("load inventory: %w", err))
	}
	rentals, err := s.local.ListRentals(ctx)
	if err != nil {
		return nil, s.fail(fmt.Errorf("load rentals: %w", err))
	}

	now := s.now()
	view := Reconcile(registry, inventory, rentals, Options{
		Today:              now.In(s.cfg.Location),
		ExpiringWindowDays: s.cfg.ExpiringWindowDays,
		PhoneRegion:        s.cfg.PhoneRegion,
	})

	s.mu.Lock()
	s.view = view
	s.builtAt = now
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Debug().
		Int("sims", len(view.Sims)).
		Int("needs_swap", len(view.NeedsSwap)).
		Int("overdue_swap", len(view.OverdueSwap)).
		Int("overdue_not_returned", len(view.OverdueNotReturned)).
		Msg("reconciliation view rebuilt")
	return view, nil
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// View returns the cached view, computing it on first use.
func (s *Service) View(ctx context.Context) (*View, time.Time, error) {
	s.mu.RLock()
	view, at := s.view, s.builtAt
	s.mu.RUnlock()
	if view != nil {
		return view, at, nil
	}

	view, err := s.Refresh(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	s.mu.RLock()
	at = s.builtAt
	s.mu.RUnlock()
	return view, at, nil
}

// LastError returns the error of the most recent failed refresh since the
// last successful one.
func (s *Service) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Notify schedules a debounced refresh.
func (s *Service) Notify() { s.debouncer.Trigger() }

// Close stops pending debounced refreshes.
func (s *Service) Close() { s.debouncer.Stop() }

/*
scheduler.go - Scheduled portal sync

PURPOSE:
  Periodically pulls the portal's CSV export into the local registry and
  rebuilds the reconciliation view from it, so needs_swap and the overdue
  lists stay current without anyone pressing "sync".

DESIGN:
  - robfig/cron drives the schedule (cron spec or "@every 30m")
  - A run that is still going when the next tick fires is skipped
  - A failed sync leaves the registry as it was and is only logged
  - RunNow runs one sync synchronously (startup, tests)

CONFIGURATION:
  - sync.schedule: cron spec; empty disables the scheduler
  - sync.on_start: run once right after Start

USAGE:
  scheduler := NewSyncScheduler(gateway, reconciler, "@every 30m", logger)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - handlers.go: sync_csv action (manual sync)
  - portal/gateway.go: Sync
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/simbridge/reconcile"
	"github.com/warp/simbridge/sim"
)

// Syncer is the part of the gateway the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context) ([]sim.Record, int, error)
}

// Refresher rebuilds the reconciliation view.
type Refresher interface {
	Refresh(ctx context.Context) (*reconcile.View, error)
}

// SyncScheduler runs the portal sync on a schedule.
type SyncScheduler struct {
	syncer    Syncer
	refresher Refresher
	schedule  string
	timeout   time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool

	// inflight guards against overlapping runs.
	inflight sync.Mutex
}

// NewSyncScheduler creates a scheduler. refresher may be nil.
func NewSyncScheduler(syncer Syncer, refresher Refresher, schedule string, logger zerolog.Logger) *SyncScheduler {
	return &SyncScheduler{
		syncer:    syncer,
		refresher: refresher,
		schedule:  schedule,
		timeout:   5 * time.Minute,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "sync_scheduler").Logger(),
	}
}

// Start begins the schedule. An empty schedule leaves the scheduler idle.
func (s *SyncScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sync scheduler already running")
	}
	if s.schedule == "" {
		s.logger.Info().Msg("sync schedule empty, scheduler disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().Str("schedule", s.schedule).Msg("sync scheduler started")
	return nil
}

// Stop stops the schedule. The returned context is done once a running
// sync has finished.
func (s *SyncScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping sync scheduler")
	return s.cron.Stop()
}

func (s *SyncScheduler) tick() {
	if !s.inflight.TryLock() {
		s.logger.Warn().Msg("previous sync still running, skipping tick")
		return
	}
	defer s.inflight.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.run(ctx)
}

// RunNow runs one sync and refresh synchronously and returns the number of
// rows written.
func (s *SyncScheduler) RunNow(ctx context.Context) (int, error) {
	s.inflight.Lock()
	defer s.inflight.Unlock()
	return s.run(ctx)
}

func (s *SyncScheduler) run(ctx context.Context) (int, error) {
	started := time.Now()

	_, n, err := s.syncer.Sync(ctx)
	if err != nil {
		s.logger.Error().Err(err).Bool("retryable", sim.IsRetryable(err)).Msg("scheduled sync failed, registry unchanged")
		return 0, err
	}

	if s.refresher != nil {
		if _, err := s.refresher.Refresh(ctx); err != nil {
			s.logger.Error().Err(err).Msg("reconciliation refresh after sync failed")
			return n, err
		}
	}

	s.logger.Info().Int("rows", n).Dur("took", time.Since(started)).Msg("scheduled sync completed")
	return n, nil
}

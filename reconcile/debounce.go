package reconcile

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debouncer coalesces bursts of Trigger calls into one call of fn, run
// delay after the last Trigger. fn never runs concurrently with itself.
type Debouncer struct {
	delay  time.Duration
	fn     func()
	logger zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending int
	stopped bool

	running sync.Mutex
}

func NewDebouncer(delay time.Duration, fn func(), logger zerolog.Logger) *Debouncer {
	return &Debouncer{
		delay:  delay,
		fn:     fn,
		logger: logger.With().Str("component", "reconcile_debouncer").Logger(),
	}
}

// Trigger schedules fn, pushing back an already scheduled run.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending++
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Flush runs a scheduled fn now. It does nothing when nothing is pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer == nil || !d.timer.Stop() {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.fire()
}

// Stop cancels a scheduled run; later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	coalesced := d.pending
	d.pending = 0
	d.timer = nil
	d.mu.Unlock()

	d.running.Lock()
	defer d.running.Unlock()

	d.logger.Debug().Int("coalesced", coalesced).Msg("running debounced recompute")
	d.fn()
}

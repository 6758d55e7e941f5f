/*
activation.go - Activate-then-swap workflow

PURPOSE:
  Moves a customer's line onto a new SIM: the new SIM is activated with the
  rental fields, the portal is given its processing delay, then the line on
  the old SIM is swapped to the new one.

STATE MACHINE:
  Validating -> Activating -> Waiting -> Swapping -> Done
       |            |                       |
       v            v                       v
  Failed(validation) Failed(activation)  Failed(swap)

  Failed(validation): nothing was sent to the portal.
  Failed(activation): nothing happened at the portal either; no rollback.
  Failed(swap):       the new SIM IS active. Reported as
                      sim.PartialWorkflowFailure. The activation is never
                      undone; an operator retries or finishes the swap.

WAITING:
  The portal refuses to swap a SIM activated less than MinSwapDelay ago.
  The delay is configurable upwards only.

EXECUTION:
  Activating onwards runs on its own goroutine so a 60-90s call does not
  tie up the caller. ActivateAndSwap waits for it. If the caller's context
  ends first, the call returns at once while the run continues to the swap
  and is recorded as orphaned, so its outcome is still visible in the run
  log. Shutdown waits for such runs.

LOCKING:
  Both ICCIDs are reserved at the gateway from activation until the swap
  returns. A plain activate_sim or swap_sim on either ICCID waits out the
  whole run, including the delay, instead of landing between the steps.

SEE ALSO:
  - portal/gateway.go: Activate and Swap
  - store/sqlite/sqlite.go: workflow_runs table
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/simbridge/metrics"
	"github.com/warp/simbridge/portal"
	"github.com/warp/simbridge/sim"
)

// MinSwapDelay is how long the portal needs between activation and swap.
const MinSwapDelay = 60 * time.Second

// =============================================================================
// STATES
// =============================================================================

// State is a workflow state.
type State string

const (
	StateValidating State = "validating"
	StateActivating State = "activating"
	StateWaiting    State = "waiting"
	StateSwapping   State = "swapping"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Failed steps.
const (
	StepValidation = "validation"
	StepActivation = "activation"
	StepSwap       = "swap"
)

// StepError is a failure before the portal state changed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step a workflow error belongs to, or "".
func FailedStep(err error) string {
	var partial *sim.PartialWorkflowFailure
	if errors.As(err, &partial) {
		return partial.Step
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	return ""
}

// ActivationSucceeded reports whether err leaves an activated SIM behind.
func ActivationSucceeded(err error) bool {
	return err == nil || errors.Is(err, sim.ErrPartialWorkflow)
}

// =============================================================================
// TYPES
// =============================================================================

// Gateway is the part of portal.Gateway the workflow drives.
type Gateway interface {
	Activate(ctx context.Context, req portal.ActivationRequest) error
	Swap(ctx context.Context, req portal.SwapRequest) error
	// Reserve keeps other operations off iccids until release.
	Reserve(ctx context.Context, iccids ...string) (context.Context, func())
}

// Request moves the line on OldICCID to NewICCID, activating NewICCID
// with the rental fields first.
type Request struct {
	OldICCID  string
	NewICCID  string
	NewMSISDN string

	Product   string
	StartDate string
	EndDate   string
	Price     decimal.Decimal
	Days      int
	Note      string
}

// Run is the persisted record of one workflow execution.
type Run struct {
	ID         string     `json:"id" db:"id"`
	OldICCID   string     `json:"old_iccid" db:"old_iccid"`
	NewICCID   string     `json:"new_iccid" db:"new_iccid"`
	State      State      `json:"state" db:"state"`
	FailedStep string     `json:"failed_step,omitempty" db:"failed_step"`
	Error      string     `json:"error,omitempty" db:"error"`
	Orphaned   bool       `json:"orphaned" db:"orphaned"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// RunStore persists runs. SaveRun is an upsert by ID.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Config tunes the workflow.
type Config struct {
	// SwapDelay is raised to MinSwapDelay when lower.
	SwapDelay time.Duration
}

// =============================================================================
// WORKFLOW
// =============================================================================

// Workflow runs activate-and-swap.
type Workflow struct {
	gateway Gateway
	runs    RunStore
	delay   time.Duration
	metrics *metrics.Collectors
	logger  zerolog.Logger

	// sleep blocks for d or until ctx ends. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string

	inflight sync.WaitGroup
}

// New creates a workflow. runs may be nil.
func New(gw Gateway, runs RunStore, cfg Config, m *metrics.Collectors, logger zerolog.Logger) *Workflow {
	logger = logger.With().Str("component", "activation_workflow").Logger()

	delay := cfg.SwapDelay
	if delay < MinSwapDelay {
		if delay > 0 {
			logger.Warn().Dur("configured", delay).Dur("used", MinSwapDelay).Msg("swap delay below portal minimum, raised")
		}
		delay = MinSwapDelay
	}

	return &Workflow{
		gateway: gw,
		runs:    runs,
		delay:   delay,
		metrics: m,
		logger:  logger,
		sleep:   sleepContext,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SwapDelay returns the delay actually used between activate and swap.
func (w *Workflow) SwapDelay() time.Duration { return w.delay }

// Validate checks both ICCIDs without touching the portal.
func Validate(req Request) error {
	if err := sim.ValidateICCID("new_iccid", req.NewICCID); err != nil {
		return &StepError{Step: StepValidation, Err: err}
	}
	if err := sim.ValidateICCIDLength("old_iccid", req.OldICCID); err != nil {
		return &StepError{Step: StepValidation, Err: err}
	}
	return nil
}

// ActivateAndSwap runs the workflow and waits for it. The returned Run is a
// snapshot at the time the call returned; on a context error the run is
// still in progress in the background.
func (w *Workflow) ActivateAndSwap(ctx context.Context, req Request) (Run, error) {
	ex := &execution{run: Run{
		ID:        w.newID(),
		OldICCID:  req.OldICCID,
		NewICCID:  req.NewICCID,
		State:     StateValidating,
		StartedAt: w.now().UTC(),
	}}
	log := w.logger.With().Str("run_id", ex.run.ID).Str("old_iccid", req.OldICCID).Str("new_iccid", req.NewICCID).Logger()

	if err := Validate(req); err != nil {
		w.metrics.Workflow(metrics.OutcomeInvalid)
		log.Info().Err(err).Msg("activate-and-swap rejected")
		return ex.fail(StepValidation, err, w.now()), err
	}

	ex.transition(StateActivating)
	w.save(ctx, ex, log)

	done := make(chan error, 1)
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		rctx, release := w.gateway.Reserve(context.WithoutCancel(ctx), req.NewICCID, req.OldICCID)
		err := w.execute(rctx, ex, req, log)
		release()
		done <- err
	}()

	select {
	case err := <-done:
		return ex.snapshot(), err
	case <-ctx.Done():
		ex.orphan()
		w.metrics.Workflow(metrics.OutcomeOrphaned)
		log.Warn().Err(ctx.Err()).Str("state", string(ex.snapshot().State)).Msg("caller gone, activate-and-swap continues in background")
		w.save(context.WithoutCancel(ctx), ex, log)
		return ex.snapshot(), ctx.Err()
	}
}

// execute runs Activating through Done/Failed.
func (w *Workflow) execute(ctx context.Context, ex *execution, req Request, log zerolog.Logger) error {
	err := w.gateway.Activate(ctx, portal.ActivationRequest{
		ICCID:     req.NewICCID,
		Product:   req.Product,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Price:     req.Price,
		Days:      req.Days,
		Note:      req.Note,
	})
	if err != nil {
		err = &StepError{Step: StepActivation, Err: err}
		ex.fail(StepActivation, err, w.now())
		w.finish(ctx, ex, metrics.OutcomeError, log)
		log.Warn().Err(err).Msg("activation failed, nothing to undo")
		return err
	}

	ex.transition(StateWaiting)
	w.save(ctx, ex, log)
	log.Info().Dur("delay", w.delay).Msg("activated, waiting before swap")
	if err := w.sleep(ctx, w.delay); err != nil {
		log.Warn().Err(err).Msg("swap wait interrupted, attempting swap anyway")
	}

	ex.transition(StateSwapping)
	w.save(ctx, ex, log)
	err = w.gateway.Swap(ctx, portal.SwapRequest{
		CurrentSIM: req.OldICCID,
		NewICCID:   req.NewICCID,
		NewMSISDN:  req.NewMSISDN,
	})
	if err != nil {
		partial := &sim.PartialWorkflowFailure{
			Step:     StepSwap,
			OldICCID: req.OldICCID,
			NewICCID: req.NewICCID,
			Raw:      sim.RawFragment(err),
			Err:      err,
		}
		ex.fail(StepSwap, partial, w.now())
		w.finish(ctx, ex, metrics.OutcomePartial, log)
		log.Error().Err(err).Msg("swap failed after successful activation, manual follow-up required")
		return partial
	}

	ex.complete(w.now())
	w.finish(ctx, ex, metrics.OutcomeSuccess, log)
	log.Info().Msg("activate-and-swap done")
	return nil
}

func (w *Workflow) finish(ctx context.Context, ex *execution, outcome string, log zerolog.Logger) {
	w.metrics.Workflow(outcome)
	w.save(ctx, ex, log)
	if ex.snapshot().Orphaned {
		log.Warn().Str("state", string(ex.snapshot().State)).Msg("orphaned activate-and-swap finished")
	}
}

func (w *Workflow) save(ctx context.Context, ex *execution, log zerolog.Logger) {
	if w.runs == nil {
		return
	}
	// Saves are serialized per run so a late caller-side save cannot
	// overwrite a newer state written by the background goroutine.
	ex.saveMu.Lock()
	defer ex.saveMu.Unlock()
	if err := w.runs.SaveRun(ctx, ex.snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to record workflow run")
	}
}

// Shutdown waits for background runs until ctx ends.
func (w *Workflow) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// EXECUTION - Run guarded for the caller and the background goroutine
// =============================================================================

type execution struct {
	mu  sync.Mutex
	run Run

	saveMu sync.Mutex
}

func (ex *execution) snapshot() Run {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.run
}

func (ex *execution) transition(s State) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.run.State = s
}

func (ex *execution) fail(step string, err error, at time.Time) Run {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	at = at.UTC()
	ex.run.State = StateFailed
	ex.run.FailedStep = step
	ex.run.Error = sim.TruncateRaw(err.Error())
	ex.run.FinishedAt = &at
	return ex.run
}

func (ex *execution) complete(at time.Time) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	at = at.UTC()
	ex.run.State = StateDone
	ex.run.FinishedAt = &at
}

func (ex *execution) orphan() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.run.Orphaned = true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

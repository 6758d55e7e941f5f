/*
handlers.go - HTTP API handlers for the SIM portal bridge

PURPOSE:
  Exposes the portal gateway, the activate-and-swap workflow and the
  reconciliation view. Handles HTTP request/response and JSON, delegates
  everything else.

ENDPOINTS:
  Actions:
    POST   /api/sims                          {"action": ..., "params": {...}}

  Reconciliation:
    GET    /api/reconciliation                Cached reconciled view
    POST   /api/reconciliation/refresh        Recompute now
    POST   /api/notifications/local-change    Inventory/rentals changed (debounced)

  Audit:
    GET    /api/workflow-runs?limit=N         Activate-and-swap runs, newest first

ACTIONS:
  get_sims, sync_csv, check_sim_status, activate_sim, swap_sim,
  activate_and_swap, update_sim_status, upsert_sims

ERROR HANDLING:
  Every action answers {"success": bool, ...}:
  - 200: Handled outcome, including a portal rejection (error + raw)
  - 400: Malformed JSON, validation errors, unknown action
  - 404: update_sim_status on an unknown ICCID
  - 502: Portal unreachable
  - 504: activate_and_swap outlived its budget; it continues in background
  - 500: Local storage errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/simbridge/portal"
	"github.com/warp/simbridge/reconcile"
	"github.com/warp/simbridge/sim"
	"github.com/warp/simbridge/workflow"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Gateway is the portal surface the actions use.
type Gateway interface {
	Sync(ctx context.Context) ([]sim.Record, int, error)
	Activate(ctx context.Context, req portal.ActivationRequest) error
	Swap(ctx context.Context, req portal.SwapRequest) error
	CheckStatus(ctx context.Context, simNumber string) (*portal.LookupResult, error)
}

// Workflow runs activate-and-swap.
type Workflow interface {
	ActivateAndSwap(ctx context.Context, req workflow.Request) (workflow.Run, error)
}

// Reconciler serves the reconciled view.
type Reconciler interface {
	View(ctx context.Context) (*reconcile.View, time.Time, error)
	Refresh(ctx context.Context) (*reconcile.View, error)
	Notify()
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Registry   sim.RegistryStore
	Runs       workflow.RunStore
	Gateway    Gateway
	Workflow   Workflow
	Reconciler Reconciler

	// Prefixes derive status for upsert_sims rows sent without one.
	Prefixes portal.StatusPrefixes

	// WorkflowTimeout bounds activate_and_swap. Zero means no bound beyond
	// the request's own context.
	WorkflowTimeout time.Duration

	logger   zerolog.Logger
	validate *validator.Validate
	actions  map[string]actionFunc
}

// actionFunc handles one action and returns the HTTP status and body.
type actionFunc func(ctx context.Context, params json.RawMessage) (int, any)

// NewHandler creates a handler. Fields left nil disable the actions that
// need them.
func NewHandler(registry sim.RegistryStore, runs workflow.RunStore, gw Gateway, wf Workflow, rec Reconciler, logger zerolog.Logger) *Handler {
	h := &Handler{
		Registry:   registry,
		Runs:       runs,
		Gateway:    gw,
		Workflow:   wf,
		Reconciler: rec,
		Prefixes:   portal.DefaultOptions().StatusPrefixes,
		logger:     logger.With().Str("component", "api").Logger(),
		validate:   newValidator(),
	}
	h.actions = map[string]actionFunc{
		"get_sims":          h.getSims,
		"sync_csv":          h.syncCSV,
		"check_sim_status":  h.checkSimStatus,
		"activate_sim":      h.activateSim,
		"swap_sim":          h.swapSim,
		"activate_and_swap": h.activateAndSwap,
		"update_sim_status": h.updateSimStatus,
		"upsert_sims":       h.upsertSims,
	}
	return h
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("iccid", func(fl validator.FieldLevel) bool {
		return sim.ValidateICCID(fl.FieldName(), fl.Field().String()) == nil
	})
	return v
}

// ValidActions lists the action names in sorted order.
func (h *Handler) ValidActions() []string {
	names := make([]string, 0, len(h.actions))
	for name := range h.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// ACTION ENDPOINT
// =============================================================================

// HandleAction dispatches POST /api/sims.
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Error: "invalid JSON: " + err.Error()})
		return
	}

	action, found := h.actions[req.Action]
	if !found {
		writeJSON(w, http.StatusBadRequest, UnknownActionResponse{
			Result:       Result{Error: fmt.Sprintf("unknown action %q", req.Action)},
			ValidActions: h.ValidActions(),
		})
		return
	}

	status, body := action(r.Context(), req.Params)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Str("action", req.Action).Int("status", status).Interface("response", body).Msg("action failed")
	}
	writeJSON(w, status, body)
}

// decode unmarshals params (absent params decode as {}) and validates them.
func (h *Handler) decode(params json.RawMessage, dst any) (int, any, bool) {
	if err := json.Unmarshal(orEmpty(params), dst); err != nil {
		return http.StatusBadRequest, Result{Error: "invalid params: " + err.Error()}, false
	}
	if err := h.validate.Struct(dst); err != nil {
		return http.StatusBadRequest, invalid(err), false
	}
	return 0, nil, true
}

func invalid(err error) InvalidResponse {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return InvalidResponse{Result: Result{Error: err.Error()}}
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		names = append(names, fe.Field())
	}
	return InvalidResponse{
		Result: Result{Error: "invalid " + strings.Join(names, ", ")},
		Fields: fields,
	}
}

// portalFailure maps a gateway error onto a status and body.
func portalFailure(err error) (int, Result) {
	res := Result{Error: err.Error(), Raw: sim.RawFragment(err)}
	var syncErr *sim.SyncError
	switch {
	case sim.IsClientError(err):
		return http.StatusBadRequest, res
	case errors.As(err, &syncErr) && syncErr.Stage == "store":
		return http.StatusInternalServerError, res
	case errors.Is(err, sim.ErrPortalRejected),
		errors.Is(err, sim.ErrAuthentication),
		errors.Is(err, sim.ErrSync):
		return http.StatusOK, res
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, res
	default:
		return http.StatusBadGateway, res
	}
}

func (h *Handler) unavailable(what string) (int, any) {
	return http.StatusServiceUnavailable, Result{Error: what + " not configured"}
}

// =============================================================================
// ACTIONS
// =============================================================================

func (h *Handler) getSims(ctx context.Context, _ json.RawMessage) (int, any) {
	sims, err := h.Registry.ListSims(ctx)
	if err != nil {
		return http.StatusInternalServerError, Result{Error: err.Error()}
	}
	return http.StatusOK, SimsResponse{Result: ok(), Sims: sims, Count: len(sims)}
}

func (h *Handler) syncCSV(ctx context.Context, _ json.RawMessage) (int, any) {
	if h.Gateway == nil {
		return h.unavailable("portal")
	}
	_, n, err := h.Gateway.Sync(ctx)
	if err != nil {
		status, res := portalFailure(err)
		return status, res
	}
	h.refreshView(ctx)
	return http.StatusOK, CountResponse{Result: ok(), Count: n}
}

func (h *Handler) checkSimStatus(ctx context.Context, raw json.RawMessage) (int, any) {
	var p CheckSimStatusParams
	if status, body, valid := h.decode(raw, &p); !valid {
		return status, body
	}
	if h.Gateway == nil {
		return h.unavailable("portal")
	}
	res, err := h.Gateway.CheckStatus(ctx, p.SimNumber)
	if err != nil {
		status, r := portalFailure(err)
		return status, r
	}
	return http.StatusOK, LookupResponse{Result: ok(), Length: res.Length, HTML: res.HTML}
}

func (h *Handler) activateSim(ctx context.Context, raw json.RawMessage) (int, any) {
	var p ActivateSimParams
	if status, body, valid := h.decode(raw, &p); !valid {
		return status, body
	}
	if h.Gateway == nil {
		return h.unavailable("portal")
	}
	err := h.Gateway.Activate(ctx, portal.ActivationRequest{
		ICCID:     p.ICCID,
		Product:   p.Product,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
		Price:     p.Price,
		Days:      p.Days,
		Note:      p.Note,
	})
	if err != nil {
		status, r := portalFailure(err)
		return status, r
	}
	h.notifyView()
	return http.StatusOK, ok()
}

func (h *Handler) swapSim(ctx context.Context, raw json.RawMessage) (int, any) {
	var p SwapSimParams
	if status, body, valid := h.decode(raw, &p); !valid {
		return status, body
	}
	if h.Gateway == nil {
		return h.unavailable("portal")
	}
	err := h.Gateway.Swap(ctx, portal.SwapRequest{
		CurrentSIM: p.CurrentSIM,
		NewICCID:   p.NewICCID,
		NewMSISDN:  p.NewMSISDN,
	})
	if err != nil {
		status, r := portalFailure(err)
		return status, r
	}
	h.notifyView()
	return http.StatusOK, ok()
}

func (h *Handler) activateAndSwap(ctx context.Context, raw json.RawMessage) (int, any) {
	var p ActivateAndSwapParams
	if err := json.Unmarshal(orEmpty(raw), &p); err != nil {
		return http.StatusBadRequest, Result{Error: "invalid params: " + err.Error()}
	}
	if err := h.validate.Struct(&p); err != nil {
		res := invalid(err)
		return http.StatusBadRequest, WorkflowResponse{
			Result:              res.Result,
			Step:                workflow.StepValidation,
			ActivationSucceeded: boolPtr(false),
		}
	}
	if h.Workflow == nil {
		return h.unavailable("workflow")
	}

	if h.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.WorkflowTimeout)
		defer cancel()
	}

	run, err := h.Workflow.ActivateAndSwap(ctx, workflow.Request{
		OldICCID:  p.OldICCID,
		NewICCID:  p.NewICCID,
		NewMSISDN: p.NewMSISDN,
		Product:   p.Product,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
		Price:     p.Price,
		Days:      p.Days,
		Note:      p.Note,
	})
	if err == nil {
		h.notifyView()
		return http.StatusOK, WorkflowResponse{Result: ok(), RunID: run.ID, Run: &run}
	}

	resp := WorkflowResponse{
		Result: Result{Error: err.Error(), Raw: sim.RawFragment(err)},
		RunID:  run.ID,
		Step:   workflow.FailedStep(err),
		Run:    &run,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Still running: no step has failed and whether activation
		// succeeded is not known yet. run.state tells how far it got.
		resp.Step = ""
		return http.StatusGatewayTimeout, resp
	case resp.Step == workflow.StepValidation:
		resp.ActivationSucceeded = boolPtr(false)
		return http.StatusBadRequest, resp
	default:
		resp.ActivationSucceeded = boolPtr(workflow.ActivationSucceeded(err))
		if *resp.ActivationSucceeded {
			h.notifyView()
		}
		return http.StatusOK, resp
	}
}

func (h *Handler) updateSimStatus(ctx context.Context, raw json.RawMessage) (int, any) {
	var p UpdateSimStatusParams
	if status, body, valid := h.decode(raw, &p); !valid {
		return status, body
	}
	status, detail, err := sim.ParseStatus(p.Status, p.StatusDetail)
	if err != nil {
		return http.StatusBadRequest, Result{Error: err.Error()}
	}
	if err := h.Registry.UpdateStatus(ctx, strings.TrimSpace(p.ICCID), status, detail); err != nil {
		if sim.IsNotFound(err) {
			return http.StatusNotFound, Result{Error: fmt.Sprintf("sim %s not found", p.ICCID)}
		}
		return http.StatusInternalServerError, Result{Error: err.Error()}
	}
	h.notifyView()
	return http.StatusOK, ok()
}

func (h *Handler) upsertSims(ctx context.Context, raw json.RawMessage) (int, any) {
	var p UpsertSimsParams
	if status, body, valid := h.decode(raw, &p); !valid {
		return status, body
	}

	now := time.Now().UTC()
	generation := "local-" + strconv.FormatInt(now.UnixNano(), 10)
	records := make([]sim.Record, 0, len(p.Sims))
	for i, row := range p.Sims {
		snap := row.Snapshot
		snap.ICCID = strings.TrimSpace(snap.ICCID)
		if snap.ICCID == "" {
			return http.StatusBadRequest, InvalidResponse{
				Result: Result{Error: fmt.Sprintf("sims[%d]: iccid is required", i)},
				Fields: map[string]string{"iccid": "required"},
			}
		}
		snap.ExpiryDate = portal.NormalizeDate(snap.ExpiryDate)
		snap.StartDate = portal.NormalizeDate(snap.StartDate)
		snap.EndDate = portal.NormalizeDate(snap.EndDate)

		rec := sim.Record{Snapshot: snap, LastSync: now, Generation: generation}
		if row.Status == "" {
			rec.Status, rec.StatusDetail = portal.MapStatus(snap.StatusRaw, h.Prefixes)
		} else {
			status, detail, err := sim.ParseStatus(row.Status, row.StatusDetail)
			if err != nil {
				return http.StatusBadRequest, Result{Error: fmt.Sprintf("sims[%d]: %v", i, err)}
			}
			rec.Status, rec.StatusDetail = status, detail
		}
		records = append(records, rec)
	}

	if err := h.Registry.ReplaceAll(ctx, records); err != nil {
		return http.StatusInternalServerError, Result{Error: err.Error()}
	}
	h.notifyView()
	return http.StatusOK, CountResponse{Result: ok(), Count: len(records)}
}

// =============================================================================
// RECONCILIATION & AUDIT
// =============================================================================

// GetReconciliation returns the cached reconciled view.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation not configured", nil)
		return
	}
	view, builtAt, err := h.Reconciler.View(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build reconciliation view", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationResponse{Success: true, BuiltAt: builtAt, View: view})
}

// RefreshReconciliation recomputes the view synchronously.
func (h *Handler) RefreshReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation not configured", nil)
		return
	}
	view, err := h.Reconciler.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to refresh reconciliation view", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationResponse{Success: true, BuiltAt: time.Now().UTC(), View: view})
}

// LocalChange is called by the surrounding application after it edited
// inventory or rentals.
func (h *Handler) LocalChange(w http.ResponseWriter, r *http.Request) {
	h.notifyView()
	writeJSON(w, http.StatusAccepted, ok())
}

// ListWorkflowRuns returns recent activate-and-swap runs.
func (h *Handler) ListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow run log not configured", nil)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list workflow runs", err)
		return
	}
	writeJSON(w, http.StatusOK, WorkflowRunsResponse{Success: true, Runs: runs})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) notifyView() {
	if h.Reconciler != nil {
		h.Reconciler.Notify()
	}
}

func (h *Handler) refreshView(ctx context.Context) {
	if h.Reconciler == nil {
		return
	}
	if _, err := h.Reconciler.Refresh(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("reconciliation refresh after sync failed")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	res := Result{Error: message}
	if err != nil {
		res.Error = message + ": " + err.Error()
	}
	writeJSON(w, status, res)
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}

func boolPtr(b bool) *bool {
	return &b
}

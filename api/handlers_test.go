package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/simbridge/portal"
	"github.com/warp/simbridge/reconcile"
	"github.com/warp/simbridge/rental"
	"github.com/warp/simbridge/sim"
	"github.com/warp/simbridge/sim/store"
	"github.com/warp/simbridge/store/sqlite"
	"github.com/warp/simbridge/workflow"
)

const (
	goodICCID  = "89971234567890123456"
	otherICCID = "89971234567890123457"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeGateway struct {
	mu          sync.Mutex
	syncRows    int
	syncErr     error
	activateErr error
	swapErr     error
	lookup      *portal.LookupResult
	lookupErr   error

	activations []portal.ActivationRequest
	swaps       []portal.SwapRequest
	syncs       int
}

func (g *fakeGateway) Sync(_ context.Context) ([]sim.Record, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncs++
	return nil, g.syncRows, g.syncErr
}

func (g *fakeGateway) Activate(_ context.Context, req portal.ActivationRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activations = append(g.activations, req)
	return g.activateErr
}

func (g *fakeGateway) Swap(_ context.Context, req portal.SwapRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.swaps = append(g.swaps, req)
	return g.swapErr
}

func (g *fakeGateway) CheckStatus(_ context.Context, simNumber string) (*portal.LookupResult, error) {
	return g.lookup, g.lookupErr
}

type fakeWorkflow struct {
	run  workflow.Run
	err  error
	reqs []workflow.Request
}

func (f *fakeWorkflow) ActivateAndSwap(_ context.Context, req workflow.Request) (workflow.Run, error) {
	f.reqs = append(f.reqs, req)
	return f.run, f.err
}

type fakeReconciler struct {
	mu        sync.Mutex
	notifies  int
	refreshes int
	view      *reconcile.View
	err       error
}

func (f *fakeReconciler) View(_ context.Context) (*reconcile.View, time.Time, error) {
	return f.view, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), f.err
}

func (f *fakeReconciler) Refresh(_ context.Context) (*reconcile.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.view, f.err
}

func (f *fakeReconciler) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies++
}

type fixture struct {
	mem    *store.Memory
	runs   *sqlite.Store
	gw     *fakeGateway
	wf     *fakeWorkflow
	rec    *fakeReconciler
	h      *Handler
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runs, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	f := &fixture{
		mem:  store.NewMemory(),
		runs: runs,
		gw:   &fakeGateway{},
		wf:   &fakeWorkflow{},
		rec:  &fakeReconciler{view: &reconcile.View{Today: "2026-03-10"}},
	}
	f.h = NewHandler(f.mem, runs, f.gw, f.wf, f.rec, zerolog.Nop())
	f.router = NewRouter(f.h, RouterOptions{})
	return f
}

// action posts an action and decodes the JSON response into a map.
func (f *fixture) action(t *testing.T, name string, params any) (int, map[string]any) {
	t.Helper()
	body := map[string]any{"action": name}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, "/api/sims", raw)
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

// =============================================================================
// DISPATCH
// =============================================================================

func TestHandleAction_UnknownActionListsValidOnes(t *testing.T) {
	f := newFixture(t)

	status, body := f.action(t, "reboot_portal", nil)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "reboot_portal")
	assert.Equal(t, []any{
		"activate_and_swap", "activate_sim", "check_sim_status", "get_sims",
		"swap_sim", "sync_csv", "update_sim_status", "upsert_sims",
	}, body["valid_actions"])
}

func TestHandleAction_MalformedJSON(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/sims", []byte(`{"action":`))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
}

// =============================================================================
// REGISTRY ACTIONS
// =============================================================================

func TestGetSims(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.ReplaceAll(context.Background(), []sim.Record{
		{Snapshot: sim.Snapshot{ICCID: goodICCID}, Status: sim.StatusAvailable, StatusDetail: sim.DetailValid},
		{Snapshot: sim.Snapshot{ICCID: otherICCID}, Status: sim.StatusRented, StatusDetail: sim.DetailActive},
	}))

	status, body := f.action(t, "get_sims", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["count"])
	sims := body["sims"].([]any)
	first := sims[0].(map[string]any)
	assert.Equal(t, goodICCID, first["iccid"])
	assert.Equal(t, "available", first["status"])
}

func TestUpdateSimStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.ReplaceAll(ctx, []sim.Record{
		{Snapshot: sim.Snapshot{ICCID: goodICCID}, Status: sim.StatusAvailable, StatusDetail: sim.DetailValid},
	}))

	// WHEN: Patching an existing row
	status, body := f.action(t, "update_sim_status", map[string]any{
		"iccid": goodICCID, "status": "rented", "status_detail": "active",
	})

	// THEN: The row changes and the view is notified
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	got, err := f.mem.GetSim(ctx, goodICCID)
	require.NoError(t, err)
	assert.Equal(t, sim.StatusRented, got.Status)
	assert.Equal(t, sim.DetailActive, got.StatusDetail)
	assert.Equal(t, 1, f.rec.notifies)

	// Unknown ICCID
	status, body = f.action(t, "update_sim_status", map[string]any{"iccid": otherICCID, "status": "rented"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])

	// Bad status
	status, body = f.action(t, "update_sim_status", map[string]any{"iccid": goodICCID, "status": "lost"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "oneof", body["fields"].(map[string]any)["status"])
}

func TestUpsertSims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: Rows with and without an explicit status
	status, body := f.action(t, "upsert_sims", map[string]any{
		"sims": []map[string]any{
			{"iccid": goodICCID, "status_raw": "פנוי - בתוקף", "expiry_date": "15/03/2026"},
			{"iccid": otherICCID, "status": "rented", "status_detail": "active"},
		},
	})

	// THEN: The registry is replaced, status derived from status_raw
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])
	got, err := f.mem.GetSim(ctx, goodICCID)
	require.NoError(t, err)
	assert.Equal(t, sim.StatusAvailable, got.Status)
	assert.Equal(t, sim.DetailValid, got.StatusDetail)
	assert.Equal(t, "2026-03-15", got.ExpiryDate)
	other, err := f.mem.GetSim(ctx, otherICCID)
	require.NoError(t, err)
	assert.Equal(t, sim.StatusRented, other.Status)
}

func TestUpsertSims_Rejected(t *testing.T) {
	f := newFixture(t)

	status, _ := f.action(t, "upsert_sims", map[string]any{"sims": []any{}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.action(t, "upsert_sims", map[string]any{"sims": []map[string]any{{"iccid": "  "}}})
	assert.Equal(t, http.StatusBadRequest, status)

	assert.Equal(t, 0, f.mem.ReplaceCalls)
}

// =============================================================================
// PORTAL ACTIONS
// =============================================================================

func TestSyncCSV(t *testing.T) {
	f := newFixture(t)
	f.gw.syncRows = 5

	status, body := f.action(t, "sync_csv", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(5), body["count"])
	assert.Equal(t, 1, f.rec.refreshes)
}

func TestSyncCSV_Failures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRaw    string
	}{
		{
			name:       "login refused",
			err:        &sim.SyncError{Stage: "fetch", Err: &sim.AuthenticationError{Raw: "<form id=\"login_form\">"}},
			wantStatus: http.StatusOK,
			wantRaw:    "<form id=\"login_form\">",
		},
		{
			name:       "export error page",
			err:        &sim.SyncError{Stage: "fetch", Err: errors.New("HTTP 500"), Raw: "<h1>maintenance</h1>"},
			wantStatus: http.StatusOK,
			wantRaw:    "<h1>maintenance</h1>",
		},
		{
			name:       "parse",
			err:        &sim.SyncError{Stage: "parse", Err: errors.New("bad csv")},
			wantStatus: http.StatusOK,
		},
		{
			name:       "store",
			err:        &sim.SyncError{Stage: "store", Err: errors.New("disk full")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gw.syncErr = tt.err

			status, body := f.action(t, "sync_csv", nil)

			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, false, body["success"])
			if tt.wantRaw != "" {
				assert.Equal(t, tt.wantRaw, body["raw"])
			}
			assert.Equal(t, 0, f.rec.refreshes)
		})
	}
}

func TestActivateSim(t *testing.T) {
	f := newFixture(t)

	status, body := f.action(t, "activate_sim", map[string]any{
		"iccid": goodICCID, "product": "IL-30", "start_date": "2026-03-01",
		"end_date": "2026-03-31", "price": "120.5", "days": 30, "note": "room 12",
	})

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	require.Len(t, f.gw.activations, 1)
	got := f.gw.activations[0]
	assert.Equal(t, goodICCID, got.ICCID)
	assert.Equal(t, "120.50", got.Price.StringFixed(2))
	assert.Equal(t, 30, got.Days)
	assert.Equal(t, 1, f.rec.notifies)
}

func TestActivateSim_InvalidICCIDNeverReachesPortal(t *testing.T) {
	tests := []string{"", "123", "8997123456789012345A", "899712345678901234567"}

	for _, iccid := range tests {
		t.Run(iccid, func(t *testing.T) {
			f := newFixture(t)

			status, body := f.action(t, "activate_sim", map[string]any{"iccid": iccid})

			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, false, body["success"])
			assert.Empty(t, f.gw.activations)
		})
	}
}

func TestActivateSim_PortalRejection(t *testing.T) {
	f := newFixture(t)
	f.gw.activateErr = &sim.PortalOperationError{Op: "activate", StatusCode: 200, Raw: "<div class=\"alert-danger\">שגיאה</div>"}

	status, body := f.action(t, "activate_sim", map[string]any{"iccid": goodICCID})

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "<div class=\"alert-danger\">שגיאה</div>", body["raw"])
	assert.Equal(t, 0, f.rec.notifies)
}

func TestActivateSim_PortalUnreachable(t *testing.T) {
	f := newFixture(t)
	f.gw.activateErr = errors.New("dial tcp: connection refused")

	status, body := f.action(t, "activate_sim", map[string]any{"iccid": goodICCID})

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, false, body["success"])
}

func TestSwapSim(t *testing.T) {
	f := newFixture(t)

	status, _ := f.action(t, "swap_sim", map[string]any{
		"current_sim": otherICCID, "new_iccid": goodICCID, "new_msisdn": "972541234567",
	})
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, f.gw.swaps, 1)
	assert.Equal(t, portal.SwapRequest{CurrentSIM: otherICCID, NewICCID: goodICCID, NewMSISDN: "972541234567"}, f.gw.swaps[0])

	status, body := f.action(t, "swap_sim", map[string]any{"current_sim": otherICCID, "new_iccid": "1234"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "min", body["fields"].(map[string]any)["new_iccid"])
	assert.Len(t, f.gw.swaps, 1)
}

func TestCheckSimStatus(t *testing.T) {
	f := newFixture(t)
	f.gw.lookup = &portal.LookupResult{Length: 11, HTML: "<td>ok</td>"}

	status, body := f.action(t, "check_sim_status", map[string]any{"sim_number": "1001"})

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(11), body["length"])
	assert.Equal(t, "<td>ok</td>", body["html"])

	status, _ = f.action(t, "check_sim_status", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// ACTIVATE AND SWAP
// =============================================================================

func workflowParams() map[string]any {
	return map[string]any{
		"old_iccid": otherICCID, "new_iccid": goodICCID, "new_msisdn": "972541234567",
		"product": "IL-30", "start_date": "2026-03-01", "end_date": "2026-03-31",
		"price": 99, "days": 30,
	}
}

func TestActivateAndSwap_Success(t *testing.T) {
	f := newFixture(t)
	f.wf.run = workflow.Run{ID: "run-1", State: workflow.StateDone}

	status, body := f.action(t, "activate_and_swap", workflowParams())

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "run-1", body["run_id"])
	require.Len(t, f.wf.reqs, 1)
	assert.Equal(t, otherICCID, f.wf.reqs[0].OldICCID)
	assert.Equal(t, goodICCID, f.wf.reqs[0].NewICCID)
}

func TestActivateAndSwap_SwapFailureIsPartial(t *testing.T) {
	// GIVEN: A workflow whose swap failed after a successful activation
	f := newFixture(t)
	f.wf.run = workflow.Run{ID: "run-2", State: workflow.StateFailed, FailedStep: workflow.StepSwap}
	f.wf.err = &sim.PartialWorkflowFailure{
		Step: workflow.StepSwap, OldICCID: otherICCID, NewICCID: goodICCID,
		Raw: "swap refused", Err: errors.New("portal swap failed"),
	}

	// WHEN: Running activate_and_swap
	status, body := f.action(t, "activate_and_swap", workflowParams())

	// THEN: The failure names the swap step and says activation succeeded
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "swap", body["step"])
	assert.Equal(t, true, body["activation_succeeded"])
	assert.Equal(t, "swap refused", body["raw"])
	assert.Equal(t, "run-2", body["run_id"])
}

func TestActivateAndSwap_ActivationFailure(t *testing.T) {
	f := newFixture(t)
	f.wf.err = &workflow.StepError{
		Step: workflow.StepActivation,
		Err:  &sim.PortalOperationError{Op: "activate", StatusCode: 200, Raw: "שגיאה"},
	}

	status, body := f.action(t, "activate_and_swap", workflowParams())

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "activation", body["step"])
	assert.Equal(t, false, body["activation_succeeded"])
	assert.Equal(t, "שגיאה", body["raw"])
}

func TestActivateAndSwap_ValidationFailure(t *testing.T) {
	f := newFixture(t)
	params := workflowParams()
	params["new_iccid"] = "not-an-iccid-at-all!"

	status, body := f.action(t, "activate_and_swap", params)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["step"])
	assert.Equal(t, false, body["activation_succeeded"])
	assert.Empty(t, f.wf.reqs)
}

func TestActivateAndSwap_CallerGone(t *testing.T) {
	f := newFixture(t)
	f.wf.run = workflow.Run{ID: "run-3", State: workflow.StateWaiting, Orphaned: true}
	f.wf.err = context.DeadlineExceeded

	status, body := f.action(t, "activate_and_swap", workflowParams())

	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.NotContains(t, body, "step", "no step has failed while the run continues")
	assert.NotContains(t, body, "activation_succeeded")
	run := body["run"].(map[string]any)
	assert.Equal(t, true, run["orphaned"])
	assert.Equal(t, "waiting", run["state"])
}

// =============================================================================
// VIEWS
// =============================================================================

func TestReconciliationEndpoints(t *testing.T) {
	// GIVEN: A real reconciliation service over the memory store
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.ReplaceAll(ctx, []sim.Record{
		{Snapshot: sim.Snapshot{ICCID: goodICCID}, Status: sim.StatusAvailable, StatusDetail: sim.DetailValid},
	}))
	f.mem.Seed(
		[]rental.InventoryItem{{ID: "inv-1", Name: "SIM", SimNumber: goodICCID, Status: rental.ItemRented}},
		[]rental.RentalRecord{{
			ID: "r-1", CustomerID: "c-1", CustomerName: "Dana", Status: rental.RentalActive,
			StartDate: time.Now().AddDate(0, 0, -3), EndDate: time.Now().AddDate(0, 0, 3),
			Items: []rental.RentalItem{{RentalID: "r-1", InventoryItemID: "inv-1"}},
		}},
	)
	svc := reconcile.NewService(f.mem, f.mem, reconcile.Config{Debounce: 10 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(svc.Close)
	f.h.Reconciler = svc

	// WHEN: Reading the view
	status, body := f.do(t, http.MethodGet, "/api/reconciliation", nil)

	// THEN: The released SIM needs a swap
	assert.Equal(t, http.StatusOK, status)
	view := body["view"].(map[string]any)
	assert.Equal(t, []any{goodICCID}, view["needs_swap"])

	status, _ = f.do(t, http.MethodPost, "/api/reconciliation/refresh", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodPost, "/api/notifications/local-change", nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["success"])
}

func TestListWorkflowRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.runs.SaveRun(ctx, workflow.Run{ID: "run-a", OldICCID: otherICCID, NewICCID: goodICCID, State: workflow.StateDone, StartedAt: t0}))
	require.NoError(t, f.runs.SaveRun(ctx, workflow.Run{ID: "run-b", OldICCID: otherICCID, NewICCID: goodICCID, State: workflow.StateFailed, StartedAt: t0.Add(time.Hour)}))

	status, body := f.do(t, http.MethodGet, "/api/workflow-runs?limit=1", nil)

	assert.Equal(t, http.StatusOK, status)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-b", runs[0].(map[string]any)["id"])

	status, _ = f.do(t, http.MethodGet, "/api/workflow-runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

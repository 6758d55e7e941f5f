/*
gateway.go - Typed portal operations

PURPOSE:
  Sync, Activate, Swap and CheckStatus on top of SessionClient. All HTML
  and CSV interpretation stays behind this boundary; callers only see
  sim types and sim errors.

OPERATIONS:
  Sync:        GET CSV export -> parse -> map status -> full registry replace.
               Zero parsed rows performs no mutation at all.
  Activate:    POST activation form. Success = HTTP 200 and no error markers.
               Then (rented, active) in the registry and the inventory patch.
  Swap:        POST swap form, classified like Activate. Then the new ICCID
               becomes (rented, active) in the registry.
  CheckStatus: POST lookup form and pass the raw HTML back.

SESSIONS:
  Each operation logs in for itself unless a SessionCache is configured.
  The portal allows one login per action, so this costs one extra round
  trip per operation.

CONCURRENCY:
  Activate and Swap hold a per-ICCID lock for their whole duration.
  Reserve extends that lock over several operations: calls made with the
  returned context skip the keys it holds, everyone else waits.

LOCAL UPDATES:
  Registry and inventory patches after a successful mutation are best
  effort. Their failures are logged and never turn a portal success into
  an error: the portal is the source of truth and the next sync, plus the
  reconciliation view, surfaces any drift.

SEE ALSO:
  - session.go: Login and re-login
  - csv.go: Export parsing
  - workflow/activation.go: Activate -> wait -> Swap
*/
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/simbridge/metrics"
	"github.com/warp/simbridge/sim"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ActivationRequest carries the rental fields of an activation.
type ActivationRequest struct {
	ICCID     string
	Product   string
	StartDate string
	EndDate   string
	Price     decimal.Decimal
	Days      int
	Note      string
}

// SwapRequest moves the line currently on CurrentSIM to NewICCID.
type SwapRequest struct {
	CurrentSIM string
	NewICCID   string
	NewMSISDN  string
}

// LookupResult is the raw answer of a SIM lookup.
type LookupResult struct {
	Length int    `json:"length"`
	HTML   string `json:"html"`
}

// =============================================================================
// GATEWAY
// =============================================================================

// Gateway exposes the portal as typed operations.
type Gateway struct {
	client     *SessionClient
	classifier ResponseClassifier
	prefixes   StatusPrefixes
	paths      Paths

	registry sim.RegistryStore
	local    sim.LocalStore

	sessions *SessionCache
	locks    *KeyedMutex
	metrics  *metrics.Collectors
	logger   zerolog.Logger

	now           func() time.Time
	newGeneration func() string
}

// NewGateway wires a gateway. local may be nil, in which case the
// post-activation inventory patch is skipped.
func NewGateway(client *SessionClient, registry sim.RegistryStore, local sim.LocalStore, m *metrics.Collectors, logger zerolog.Logger) *Gateway {
	return &Gateway{
		client:        client,
		classifier:    client.classifier,
		prefixes:      client.opts.StatusPrefixes,
		paths:         client.opts.Paths,
		registry:      registry,
		local:         local,
		sessions:      NewSessionCache(client.opts.SessionTTL),
		locks:         NewKeyedMutex(),
		metrics:       m,
		logger:        logger.With().Str("component", "portal_gateway").Logger(),
		now:           time.Now,
		newGeneration: func() string { return uuid.NewString() },
	}
}

// session returns a cached session or logs in.
func (g *Gateway) session(ctx context.Context) (*Session, error) {
	if s := g.sessions.Get(); s != nil {
		return s, nil
	}
	s, err := g.client.Login(ctx)
	if err != nil {
		return nil, err
	}
	g.sessions.Put(s)
	return s, nil
}

// call runs one authenticated request and keeps the cache current.
func (g *Gateway) call(ctx context.Context, r Request) (*Response, error) {
	sess, err := g.session(ctx)
	if err != nil {
		return nil, err
	}
	resp, next, err := g.client.Do(ctx, sess, r)
	if next != sess {
		g.sessions.Put(next)
	}
	if err != nil {
		g.sessions.Invalidate()
		return nil, err
	}
	return resp, nil
}

// =============================================================================
// SYNC
// =============================================================================

// Sync fetches the CSV export and replaces the local registry with it.
// It returns the records written and their count. With zero parsed rows
// nothing is written and (nil, 0, nil) is returned.
func (g *Gateway) Sync(ctx context.Context) ([]sim.Record, int, error) {
	started := g.now()

	resp, err := g.call(ctx, Request{Method: http.MethodGet, Path: g.paths.ExportCSV})
	if err != nil {
		g.metrics.PortalOp("sync", outcomeOf(err))
		return nil, 0, &sim.SyncError{Stage: "fetch", Err: err}
	}
	if g.classifier.IsUnauthorized(resp.StatusCode, resp.Body) {
		g.metrics.PortalOp("sync", metrics.OutcomeUnauthorized)
		return nil, 0, &sim.SyncError{Stage: "fetch", Err: &sim.AuthenticationError{Raw: sim.TruncateRaw(resp.Body)}}
	}
	if resp.StatusCode != http.StatusOK {
		g.metrics.PortalOp("sync", metrics.OutcomeError)
		return nil, 0, &sim.SyncError{Stage: "fetch", Err: fmt.Errorf("HTTP %d", resp.StatusCode), Raw: sim.TruncateRaw(resp.Body)}
	}

	snaps, err := ParseExport(strings.NewReader(resp.Body))
	if err != nil {
		g.metrics.PortalOp("sync", metrics.OutcomeError)
		return nil, 0, &sim.SyncError{Stage: "parse", Err: err, Raw: sim.TruncateRaw(resp.Body)}
	}

	if len(snaps) == 0 {
		g.logger.Warn().Int("body_len", len(resp.Body)).Msg("CSV export parsed to zero rows, keeping current registry")
		g.metrics.PortalOp("sync", metrics.OutcomeSuccess)
		return nil, 0, nil
	}

	records := ToRecords(snaps, g.prefixes, g.now().UTC(), g.newGeneration())
	if err := g.registry.ReplaceAll(ctx, records); err != nil {
		g.metrics.PortalOp("sync", metrics.OutcomeError)
		return nil, 0, &sim.SyncError{Stage: "store", Err: err}
	}

	g.metrics.PortalOp("sync", metrics.OutcomeSuccess)
	g.metrics.Synced(len(records), g.now().Sub(started))
	g.logger.Info().Int("rows", len(records)).Str("generation", records[0].Generation).Msg("registry replaced from portal export")
	return records, len(records), nil
}

// =============================================================================
// ACTIVATE / SWAP
// =============================================================================

// Activate starts a rental on req.ICCID at the portal.
func (g *Gateway) Activate(ctx context.Context, req ActivationRequest) error {
	if err := sim.ValidateICCID("iccid", req.ICCID); err != nil {
		g.metrics.PortalOp("activate", metrics.OutcomeInvalid)
		return err
	}

	unlock := g.locks.LockContext(ctx, req.ICCID)
	defer unlock()

	form := url.Values{
		"iccid":                 {req.ICCID},
		"product":               {req.Product},
		"start_rental":          {req.StartDate},
		"end_rental":            {req.EndDate},
		"deler4cus_price":       {req.Price.StringFixed(2)},
		"calculated_days_input": {strconv.Itoa(req.Days)},
		"note":                  {req.Note},
	}
	if err := g.mutate(ctx, "activate", form); err != nil {
		return err
	}

	g.logger.Info().Str("iccid", req.ICCID).Str("product", req.Product).Msg("SIM activated")
	g.markRented(ctx, req.ICCID)
	if g.local != nil {
		n, err := g.local.MarkInventoryRented(ctx, req.ICCID)
		if err != nil {
			g.logger.Error().Err(err).Str("iccid", req.ICCID).Msg("inventory status patch failed after activation")
		} else if n > 0 {
			g.logger.Debug().Str("iccid", req.ICCID).Int("items", n).Msg("inventory marked rented")
		}
	}
	return nil
}

// Swap moves the line on req.CurrentSIM to the SIM req.NewICCID.
func (g *Gateway) Swap(ctx context.Context, req SwapRequest) error {
	if err := sim.ValidateICCIDLength("new_iccid", req.NewICCID); err != nil {
		g.metrics.PortalOp("swap", metrics.OutcomeInvalid)
		return err
	}

	unlock := g.locks.LockContext(ctx, req.CurrentSIM, req.NewICCID)
	defer unlock()

	form := url.Values{
		"current_sim": {req.CurrentSIM},
		"swap_iccid":  {req.NewICCID},
		"swap_msisdn": {req.NewMSISDN},
	}
	if err := g.mutate(ctx, "swap", form); err != nil {
		return err
	}

	g.logger.Info().Str("current_sim", req.CurrentSIM).Str("new_iccid", req.NewICCID).Msg("SIM swapped")
	g.markRented(ctx, req.NewICCID)
	return nil
}

// Reserve locks iccids until release is called. Activate and Swap called
// with the returned context run under the reservation; any other caller
// touching those ICCIDs blocks until release.
func (g *Gateway) Reserve(ctx context.Context, iccids ...string) (context.Context, func()) {
	return g.locks.Hold(ctx, iccids...)
}

// mutate posts form to the action endpoint and classifies the answer.
func (g *Gateway) mutate(ctx context.Context, op string, form url.Values) error {
	resp, err := g.call(ctx, Request{Method: http.MethodPost, Path: g.paths.Action, Form: form})
	if err != nil {
		g.metrics.PortalOp(op, outcomeOf(err))
		return err
	}
	// Re-login failed inside Do; the body is still the login answer.
	if g.classifier.IsUnauthorized(resp.StatusCode, resp.Body) {
		g.metrics.PortalOp(op, metrics.OutcomeUnauthorized)
		g.sessions.Invalidate()
		return &sim.AuthenticationError{Raw: sim.TruncateRaw(resp.Body)}
	}
	if !g.classifier.IsOperationSuccess(resp.StatusCode, resp.Body) {
		g.metrics.PortalOp(op, metrics.OutcomeRejected)
		g.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Int("body_len", len(resp.Body)).Msg("portal rejected operation")
		return &sim.PortalOperationError{Op: op, StatusCode: resp.StatusCode, Raw: sim.TruncateRaw(resp.Body)}
	}
	g.metrics.PortalOp(op, metrics.OutcomeSuccess)
	return nil
}

func (g *Gateway) markRented(ctx context.Context, iccid string) {
	err := g.registry.UpdateStatus(ctx, iccid, sim.StatusRented, sim.DetailActive)
	switch {
	case err == nil:
	case errors.Is(err, sim.ErrNotFound):
		g.logger.Debug().Str("iccid", iccid).Msg("ICCID not in registry yet, next sync will add it")
	default:
		g.logger.Error().Err(err).Str("iccid", iccid).Msg("registry status patch failed")
	}
}

// =============================================================================
// LOOKUP
// =============================================================================

// CheckStatus runs the portal's SIM lookup and returns the raw page.
func (g *Gateway) CheckStatus(ctx context.Context, simNumber string) (*LookupResult, error) {
	simNumber = strings.TrimSpace(simNumber)
	if simNumber == "" {
		return nil, &sim.ValidationError{Field: "sim_number", Reason: "required"}
	}

	resp, err := g.call(ctx, Request{
		Method: http.MethodPost,
		Path:   g.paths.Action,
		Form:   url.Values{"sim_lookup_search": {simNumber}},
	})
	if err != nil {
		g.metrics.PortalOp("lookup", outcomeOf(err))
		return nil, err
	}
	g.metrics.PortalOp("lookup", metrics.OutcomeSuccess)
	return &LookupResult{Length: len(resp.Body), HTML: resp.Body}, nil
}

func outcomeOf(err error) string {
	if errors.Is(err, sim.ErrAuthentication) {
		return metrics.OutcomeUnauthorized
	}
	return metrics.OutcomeError
}

/*
errors.go - Error kinds for the portal bridge

PURPOSE:
  All error types in one place. Sentinels are for errors.Is(); structured
  errors carry the context a human needs for manual follow-up, including
  the truncated raw portal fragment.

ERROR KINDS:
  1. ValidationError         - malformed input, no network call was made
  2. AuthenticationError     - a portal session could not be established
  3. PortalOperationError    - the portal rejected an activate/swap
  4. PartialWorkflowFailure  - activation succeeded, swap did not
  5. SyncError               - CSV fetch/parse failed, registry untouched

PROPAGATION:
  A successful portal mutation is never rolled back because a later local
  update failed. Drift is surfaced by the reconciliation engine instead.

SEE ALSO:
  - portal/gateway.go: Produces PortalOperationError and SyncError
  - workflow/activation.go: Produces PartialWorkflowFailure
*/
package sim

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned when caller input fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuthentication is returned when a portal session cannot be established.
	ErrAuthentication = errors.New("portal authentication failed")

	// ErrPortalRejected is returned when the portal answers a mutation with an error page.
	ErrPortalRejected = errors.New("portal rejected operation")

	// ErrPartialWorkflow is returned when activation succeeded but the swap failed.
	ErrPartialWorkflow = errors.New("activation succeeded but swap failed")

	// ErrSync is returned when the CSV export could not be fetched or parsed.
	ErrSync = errors.New("portal sync failed")

	// ErrNotFound is returned when a local record does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// AuthenticationError is returned when login failed. Raw holds the portal
// fragment, if any page was received.
type AuthenticationError struct {
	Raw string
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal authentication failed: %v", e.Err)
	}
	return "portal authentication failed"
}

func (e *AuthenticationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAuthentication, e.Err}
	}
	return []error{ErrAuthentication}
}

// PortalOperationError is a mutation the portal refused.
type PortalOperationError struct {
	Op         string // "activate", "swap"
	StatusCode int
	Raw        string
}

func (e *PortalOperationError) Error() string {
	return fmt.Sprintf("portal %s failed (HTTP %d): %s", e.Op, e.StatusCode, e.Raw)
}

func (e *PortalOperationError) Unwrap() error { return ErrPortalRejected }

// PartialWorkflowFailure means the SIM was activated at the portal and then
// the swap failed. Nothing is undone; the swap must be retried or completed
// by hand.
type PartialWorkflowFailure struct {
	Step     string
	OldICCID string
	NewICCID string
	Raw      string
	Err      error
}

func (e *PartialWorkflowFailure) Error() string {
	return fmt.Sprintf("activation of %s succeeded, but swap from %s failed; retry the swap or complete it manually in the portal: %v",
		e.NewICCID, e.OldICCID, e.Err)
}

func (e *PartialWorkflowFailure) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPartialWorkflow, e.Err}
	}
	return []error{ErrPartialWorkflow}
}

// SyncError is a failed CSV sync. The prior registry is left as it was.
type SyncError struct {
	Stage string // "fetch", "decode", "parse", "store"
	Err   error
	// Raw is the truncated portal answer when the portal caused the failure.
	Raw string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Stage, e.Err)
}

func (e *SyncError) Unwrap() []error { return []error{ErrSync, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// RawFragment extracts the portal fragment from any error kind that carries one.
func RawFragment(err error) string {
	var opErr *PortalOperationError
	if errors.As(err, &opErr) {
		return opErr.Raw
	}
	var partial *PartialWorkflowFailure
	if errors.As(err, &partial) {
		return partial.Raw
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr.Raw
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Raw
	}
	return ""
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRetryable returns true if the operation might succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrSync)
}

// IsNotFound returns true if the error indicates a missing local record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

/*
dto.go - Data Transfer Objects for the action endpoint and the views

PURPOSE:
  Defines the JSON structures for API communication. Every action answers
  with an object carrying "success"; failures add "error" and, when the
  portal produced one, the truncated "raw" fragment.

NAMING CONVENTION:
  - *Params:   The "params" object of one action
  - *Response: Action and endpoint responses

VALIDATION:
  Params carry go-playground/validator tags. The custom "iccid" tag applies
  the 19-20 digit rule from the sim package.

SEE ALSO:
  - handlers.go: Uses these types
  - sim/iccid.go: ICCID rules
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/simbridge/reconcile"
	"github.com/warp/simbridge/sim"
	"github.com/warp/simbridge/workflow"
)

// =============================================================================
// ACTION ENVELOPE
// =============================================================================

// ActionRequest is the body of POST /api/sims.
type ActionRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// Result is embedded in every action response.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

func ok() Result { return Result{Success: true} }

// =============================================================================
// PARAMS
// =============================================================================

type CheckSimStatusParams struct {
	SimNumber string `json:"sim_number" validate:"required"`
}

type ActivateSimParams struct {
	ICCID     string          `json:"iccid" validate:"required,iccid"`
	Product   string          `json:"product"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
	Price     decimal.Decimal `json:"price"`
	Days      int             `json:"days" validate:"gte=0"`
	Note      string          `json:"note" validate:"max=500"`
}

type SwapSimParams struct {
	CurrentSIM string `json:"current_sim" validate:"required"`
	NewICCID   string `json:"new_iccid" validate:"required,min=19,max=20"`
	NewMSISDN  string `json:"new_msisdn"`
}

type ActivateAndSwapParams struct {
	OldICCID  string          `json:"old_iccid" validate:"required,min=19,max=20"`
	NewICCID  string          `json:"new_iccid" validate:"required,iccid"`
	NewMSISDN string          `json:"new_msisdn"`
	Product   string          `json:"product"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
	Price     decimal.Decimal `json:"price"`
	Days      int             `json:"days" validate:"gte=0"`
	Note      string          `json:"note" validate:"max=500"`
}

type UpdateSimStatusParams struct {
	ICCID        string `json:"iccid" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=available rented"`
	StatusDetail string `json:"status_detail" validate:"omitempty,oneof=valid expiring expired active unknown"`
}

// SimRow is one row of upsert_sims. Status and StatusDetail are derived
// from StatusRaw when Status is empty.
type SimRow struct {
	sim.Snapshot
	Status       string `json:"status" validate:"omitempty,oneof=available rented"`
	StatusDetail string `json:"status_detail" validate:"omitempty,oneof=valid expiring expired active unknown"`
}

type UpsertSimsParams struct {
	Sims []SimRow `json:"sims" validate:"required,min=1,dive"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type SimsResponse struct {
	Result
	Sims  []sim.Record `json:"sims"`
	Count int          `json:"count"`
}

type CountResponse struct {
	Result
	Count int `json:"count"`
}

type LookupResponse struct {
	Result
	Length int    `json:"length"`
	HTML   string `json:"html"`
}

type WorkflowResponse struct {
	Result
	RunID               string        `json:"run_id,omitempty"`
	Step                string        `json:"step,omitempty"`
	ActivationSucceeded *bool         `json:"activation_succeeded,omitempty"`
	Run                 *workflow.Run `json:"run,omitempty"`
}

type InvalidResponse struct {
	Result
	Fields map[string]string `json:"fields,omitempty"`
}

type UnknownActionResponse struct {
	Result
	ValidActions []string `json:"valid_actions"`
}

type ReconciliationResponse struct {
	Success bool            `json:"success"`
	BuiltAt time.Time       `json:"built_at"`
	View    *reconcile.View `json:"view"`
}

type WorkflowRunsResponse struct {
	Success bool           `json:"success"`
	Runs    []workflow.Run `json:"runs"`
}

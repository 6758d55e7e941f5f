/*
types.go - Core types for the local mirror of portal SIM state

PURPOSE:
  Defines the vocabulary shared by the portal gateway, the activation
  workflow, the reconciliation engine and the storage layer.

KEY TYPES:
  Snapshot:  One row of the portal's CSV export, positional columns as
             exported. Produced wholesale on every sync.
  Record:    A Snapshot plus the normalized (Status, StatusDetail) pair,
             the time of the sync that produced it and the sync generation.
             Keyed by ICCID.

LIFECYCLE:
  Records are created and overwritten by a full sync. Between syncs they
  are patched opportunistically after a successful activate or swap, and
  by the update_sim_status action.

SEE ALSO:
  - iccid.go: ICCID validation
  - errors.go: Error kinds
  - store.go: Persistence interfaces
  - portal/csv.go: Produces Snapshots from the CSV export
*/
package sim

import (
	"fmt"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the coarse availability of a SIM at the portal.
type Status string

const (
	StatusAvailable Status = "available"
	StatusRented    Status = "rented"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusAvailable || s == StatusRented
}

// Detail refines Status with the portal's validity information.
type Detail string

const (
	DetailValid    Detail = "valid"
	DetailExpiring Detail = "expiring"
	DetailExpired  Detail = "expired"
	DetailActive   Detail = "active"
	DetailUnknown  Detail = "unknown"
)

// Valid reports whether d is a known detail.
func (d Detail) Valid() bool {
	switch d {
	case DetailValid, DetailExpiring, DetailExpired, DetailActive, DetailUnknown:
		return true
	}
	return false
}

// ParseStatus parses a status/detail pair as sent by API clients.
// An empty detail defaults to unknown.
func ParseStatus(status, detail string) (Status, Detail, error) {
	s := Status(status)
	if !s.Valid() {
		return "", "", &ValidationError{Field: "status", Value: status, Reason: "must be available or rented"}
	}
	if detail == "" {
		return s, DetailUnknown, nil
	}
	d := Detail(detail)
	if !d.Valid() {
		return "", "", &ValidationError{Field: "status_detail", Value: detail, Reason: "unknown status detail"}
	}
	return s, d, nil
}

// =============================================================================
// SNAPSHOT & RECORD
// =============================================================================

// Snapshot is one row of the portal's CSV export.
type Snapshot struct {
	SimNumber     string `json:"sim_number" db:"sim_number"`
	LocalNumber   string `json:"local_number" db:"local_number"`
	IsraeliNumber string `json:"israeli_number" db:"israeli_number"`
	ICCID         string `json:"iccid" db:"iccid"`
	StatusRaw     string `json:"status_raw" db:"status_raw"`
	ExpiryDate    string `json:"expiry_date" db:"expiry_date"` // YYYY-MM-DD
	Plan          string `json:"plan" db:"plan"`
	StartDate     string `json:"start_date" db:"start_date"` // YYYY-MM-DD
	EndDate       string `json:"end_date" db:"end_date"`     // YYYY-MM-DD
	Note          string `json:"note" db:"note"`
}

// Record is the normalized local mirror of one portal SIM, keyed by ICCID.
type Record struct {
	Snapshot
	Status       Status    `json:"status" db:"status"`
	StatusDetail Detail    `json:"status_detail" db:"status_detail"`
	LastSync     time.Time `json:"last_sync" db:"last_sync"`
	Generation   string    `json:"generation,omitempty" db:"generation"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s (%s/%s)", r.ICCID, r.Status, r.StatusDetail)
}

// IsAvailable reports whether the portal has released this SIM.
func (r Record) IsAvailable() bool { return r.Status == StatusAvailable }

// IsRented reports whether the portal shows this SIM as rented out.
func (r Record) IsRented() bool { return r.Status == StatusRented }

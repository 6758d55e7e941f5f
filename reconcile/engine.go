/*
engine.go - Cross-system SIM reconciliation

PURPOSE:
  Joins the portal registry with local inventory and rentals and derives
  per-SIM labels and operator alerts. Pure: no I/O, no clock (today is an
  input), so every rule is testable with plain slices.

JOIN:
  bySIM[iccid] = the inventory item whose SimNumber is iccid, plus the first
                 open rental (active or overdue) holding it.
  More than one item per ICCID is not rejected. A rented item with an open
  rental wins, otherwise the lowest ID; the other item IDs are reported on
  the SIM row as Duplicates. Integer IDs sort numerically and before
  all others, which sort as strings.

RULES:
  needs_swap:       portal available AND item rented AND open rental linked
  overdue alerts:   rental active AND end_date < today, per item with a SIM
                      portal available -> OverdueSwapItem
                      portal rented    -> OverdueNotReturnedItem (+ phone)
  expiring_soon:    0 <= expiry_date - today <= window days
  label:            needs_swap | not_in_inventory | both_rented | match

COMPLEXITY:
  One pass over each input, map lookups only.

SEE ALSO:
  - service.go: Loads the inputs and caches the view
  - debounce.go: Coalesces change notifications
*/
package reconcile

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ttacon/libphonenumber"
	"github.com/warp/simbridge/rental"
	"github.com/warp/simbridge/sim"
)

// DefaultExpiringWindowDays is the expiring_soon horizon.
const DefaultExpiringWindowDays = 7

// Label is the reconciled state of one ICCID.
type Label string

const (
	LabelMatch          Label = "match"
	LabelNeedsSwap      Label = "needs_swap"
	LabelNotInInventory Label = "not_in_inventory"
	LabelBothRented     Label = "both_rented"
)

// =============================================================================
// VIEW TYPES
// =============================================================================

// SimView is one registry row with its local counterpart.
type SimView struct {
	ICCID           string            `json:"iccid"`
	SimNumber       string            `json:"sim_number"`
	Status          sim.Status        `json:"status"`
	StatusDetail    sim.Detail        `json:"status_detail"`
	ExpiryDate      string            `json:"expiry_date,omitempty"`
	InventoryItemID string            `json:"inventory_item_id,omitempty"`
	InventoryStatus rental.ItemStatus `json:"inventory_status,omitempty"`
	RentalID        string            `json:"rental_id,omitempty"`
	Duplicates      []string          `json:"duplicate_inventory_ids,omitempty"`
	Label           Label             `json:"label"`
}

// OverdueSwapItem is an overdue rental whose SIM the portal already released.
type OverdueSwapItem struct {
	RentalID        string `json:"rental_id"`
	CustomerName    string `json:"customer_name"`
	InventoryItemID string `json:"inventory_item_id"`
	ICCID           string `json:"iccid"`
	SimNumber       string `json:"sim_number"`
	DaysOverdue     int    `json:"days_overdue"`
}

// OverdueNotReturnedItem is an overdue rental whose SIM is still rented at
// the portal: the customer still has it.
type OverdueNotReturnedItem struct {
	OverdueSwapItem
	CustomerPhone string `json:"customer_phone"`
}

// ExpiringItem is a SIM whose portal validity ends within the window.
type ExpiringItem struct {
	ICCID      string `json:"iccid"`
	SimNumber  string `json:"sim_number"`
	ExpiryDate string `json:"expiry_date"`
	DaysLeft   int    `json:"days_left"`
}

// View is the reconciled picture at one point in time.
type View struct {
	Today              string                   `json:"today"`
	Sims               []SimView                `json:"sims"`
	NeedsSwap          []string                 `json:"needs_swap"`
	OverdueSwap        []OverdueSwapItem        `json:"overdue_swap"`
	OverdueNotReturned []OverdueNotReturnedItem `json:"overdue_not_returned"`
	ExpiringSoon       []ExpiringItem           `json:"expiring_soon"`
	Counts             map[Label]int            `json:"counts"`
}

// LabelOf returns the label of iccid, or "" if it is not in the registry.
func (v *View) LabelOf(iccid string) Label {
	for _, s := range v.Sims {
		if s.ICCID == iccid {
			return s.Label
		}
	}
	return ""
}

// Options are the non-data inputs of Reconcile.
type Options struct {
	Today              time.Time
	ExpiringWindowDays int
	// PhoneRegion is the default region for numbers without a country code.
	PhoneRegion string
}

// =============================================================================
// RECONCILE
// =============================================================================

type link struct {
	item       rental.InventoryItem
	rentalID   string
	duplicates []string
}

// lessID orders item IDs: integer IDs numerically and first, the rest as
// strings.
func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// Reconcile computes the view. Inputs are not modified.
func Reconcile(registry []sim.Record, inventory []rental.InventoryItem, rentals []rental.RentalRecord, opts Options) *View {
	today := rental.Day(opts.Today)
	window := opts.ExpiringWindowDays
	if window <= 0 {
		window = DefaultExpiringWindowDays
	}

	// Item -> first open rental, in input order.
	openRentalByItem := make(map[string]string)
	for _, r := range rentals {
		if !r.Status.Open() {
			continue
		}
		for _, it := range r.Items {
			if _, ok := openRentalByItem[it.InventoryItemID]; !ok {
				openRentalByItem[it.InventoryItemID] = r.ID
			}
		}
	}

	// ICCID -> the item that carries a rental, else the lowest ID.
	items := append([]rental.InventoryItem(nil), inventory...)
	sort.SliceStable(items, func(i, j int) bool { return lessID(items[i].ID, items[j].ID) })
	itemByID := make(map[string]rental.InventoryItem, len(items))
	claims := make(map[string][]rental.InventoryItem)
	for _, it := range items {
		itemByID[it.ID] = it
		if !it.HasSIM() {
			continue
		}
		claims[it.SimNumber] = append(claims[it.SimNumber], it)
	}

	bySIM := make(map[string]*link, len(claims))
	for iccid, group := range claims {
		chosen := 0
		for i, it := range group {
			if it.Status == rental.ItemRented && openRentalByItem[it.ID] != "" {
				chosen = i
				break
			}
		}
		l := &link{item: group[chosen], rentalID: openRentalByItem[group[chosen].ID]}
		for i, it := range group {
			if i != chosen {
				l.duplicates = append(l.duplicates, it.ID)
			}
		}
		bySIM[iccid] = l
	}

	byICCID := make(map[string]sim.Record, len(registry))
	for _, rec := range registry {
		byICCID[rec.ICCID] = rec
	}

	view := &View{
		Today:              today.Format(rental.DateLayout),
		Sims:               make([]SimView, 0, len(registry)),
		NeedsSwap:          []string{},
		OverdueSwap:        []OverdueSwapItem{},
		OverdueNotReturned: []OverdueNotReturnedItem{},
		ExpiringSoon:       []ExpiringItem{},
		Counts:             make(map[Label]int),
	}

	for _, rec := range registry {
		sv := SimView{
			ICCID:        rec.ICCID,
			SimNumber:    rec.SimNumber,
			Status:       rec.Status,
			StatusDetail: rec.StatusDetail,
			ExpiryDate:   rec.ExpiryDate,
		}
		l, linked := bySIM[rec.ICCID]
		if linked {
			sv.InventoryItemID = l.item.ID
			sv.InventoryStatus = l.item.Status
			sv.RentalID = l.rentalID
			sv.Duplicates = l.duplicates
		}

		switch {
		case linked && rec.IsAvailable() && l.item.Status == rental.ItemRented && l.rentalID != "":
			sv.Label = LabelNeedsSwap
			view.NeedsSwap = append(view.NeedsSwap, rec.ICCID)
		case !linked:
			sv.Label = LabelNotInInventory
		case rec.IsRented() && l.item.Status == rental.ItemRented:
			sv.Label = LabelBothRented
		default:
			sv.Label = LabelMatch
		}
		view.Counts[sv.Label]++
		view.Sims = append(view.Sims, sv)

		if exp, err := rental.ParseDate(rec.ExpiryDate); err == nil && !exp.IsZero() {
			if days := rental.DaysBetween(today, exp); days >= 0 && days <= window {
				view.ExpiringSoon = append(view.ExpiringSoon, ExpiringItem{
					ICCID:      rec.ICCID,
					SimNumber:  rec.SimNumber,
					ExpiryDate: rec.ExpiryDate,
					DaysLeft:   days,
				})
			}
		}
	}
	sort.Strings(view.NeedsSwap)

	for _, r := range rentals {
		if r.Status != rental.RentalActive || r.EndDate.IsZero() || !rental.Day(r.EndDate).Before(today) {
			continue
		}
		overdue := rental.DaysBetween(r.EndDate, today)
		for _, ri := range r.Items {
			it, ok := itemByID[ri.InventoryItemID]
			if !ok || !it.HasSIM() {
				continue
			}
			rec, ok := byICCID[it.SimNumber]
			if !ok {
				continue
			}
			alert := OverdueSwapItem{
				RentalID:        r.ID,
				CustomerName:    r.CustomerName,
				InventoryItemID: it.ID,
				ICCID:           rec.ICCID,
				SimNumber:       rec.SimNumber,
				DaysOverdue:     overdue,
			}
			switch rec.Status {
			case sim.StatusAvailable:
				view.OverdueSwap = append(view.OverdueSwap, alert)
			case sim.StatusRented:
				view.OverdueNotReturned = append(view.OverdueNotReturned, OverdueNotReturnedItem{
					OverdueSwapItem: alert,
					CustomerPhone:   NormalizePhone(r.CustomerPhone, opts.PhoneRegion),
				})
			}
		}
	}

	return view
}

// NormalizePhone formats phone as E.164 when it parses as a valid number
// for region, and returns it trimmed otherwise.
func NormalizePhone(phone, region string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	if region == "" {
		region = "IL"
	}
	num, err := libphonenumber.Parse(phone, region)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return phone
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

// Package rental holds the shop's own inventory and rental ledger types.
// These tables belong to the surrounding application; the bridge reads them
// and applies one narrow status patch after a successful activation.
package rental

import "time"

// ItemStatus is the local status of a rentable asset.
type ItemStatus string

const (
	ItemAvailable   ItemStatus = "available"
	ItemRented      ItemStatus = "rented"
	ItemMaintenance ItemStatus = "maintenance"
)

// RentalStatus is the state of a rental in the local ledger.
type RentalStatus string

const (
	RentalActive   RentalStatus = "active"
	RentalOverdue  RentalStatus = "overdue"
	RentalReturned RentalStatus = "returned"
)

// Open reports whether the rental still holds its items.
func (s RentalStatus) Open() bool {
	return s == RentalActive || s == RentalOverdue
}

// InventoryItem is a local rentable asset. SimNumber, when set, is the ICCID
// of the SIM this item carries.
type InventoryItem struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	SimNumber string     `json:"sim_number,omitempty" db:"sim_number"`
	Status    ItemStatus `json:"status" db:"status"`
}

// HasSIM reports whether the item is linked to a portal SIM.
func (i InventoryItem) HasSIM() bool { return i.SimNumber != "" }

// RentalItem links a rental to one inventory item.
type RentalItem struct {
	RentalID        string `json:"rental_id" db:"rental_id"`
	InventoryItemID string `json:"inventory_item_id" db:"inventory_item_id"`
}

// RentalRecord is one rental with its customer contact details denormalized.
type RentalRecord struct {
	ID            string       `json:"id" db:"id"`
	CustomerID    string       `json:"customer_id" db:"customer_id"`
	CustomerName  string       `json:"customer_name" db:"customer_name"`
	CustomerPhone string       `json:"customer_phone" db:"customer_phone"`
	Status        RentalStatus `json:"status" db:"status"`
	StartDate     time.Time    `json:"start_date" db:"start_date"`
	EndDate       time.Time    `json:"end_date" db:"end_date"`
	Items         []RentalItem `json:"items" db:"-"`
}

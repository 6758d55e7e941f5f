/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists the local mirror of the portal registry, reads the shop's
  inventory and rental ledger, and keeps the activate-and-swap run log.

INTERFACES IMPLEMENTED:
  sim.RegistryStore:   SIM registry keyed by ICCID
  sim.LocalStore:      Inventory and rentals, plus the inventory status patch
  workflow.RunStore:   Activate-and-swap audit trail

KEY TABLES:
  sims:             Registry rows, each tagged with the sync generation
                    that last wrote it
  customers:        Owned by the surrounding application
  inventory_items:  Owned by the surrounding application; sim_number links
                    an item to a registry ICCID
  rentals:          Owned by the surrounding application
  rental_items:     Rental -> inventory item links
  workflow_runs:    One row per activate-and-swap run

FULL REFRESH:
  ReplaceAll upserts every row with the new generation and then deletes the
  rows of older generations, in one transaction. Readers see either the old
  registry or the new one, never an empty table.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's own locking.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/simbridge.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - sim/store.go: Interface definitions
  - sim/store/memory.go: In-memory implementation for testing
  - workflow/activation.go: RunStore
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/simbridge/rental"
	"github.com/warp/simbridge/sim"
	"github.com/warp/simbridge/workflow"
)

var (
	_ sim.RegistryStore = (*Store)(nil)
	_ sim.LocalStore    = (*Store)(nil)
	_ workflow.RunStore = (*Store)(nil)
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sqlx.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Registry (mirror of the portal CSV export)
	CREATE TABLE IF NOT EXISTS sims (
		iccid TEXT PRIMARY KEY,
		sim_number TEXT NOT NULL DEFAULT '',
		local_number TEXT NOT NULL DEFAULT '',
		israeli_number TEXT NOT NULL DEFAULT '',
		status_raw TEXT NOT NULL DEFAULT '',
		expiry_date TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('available', 'rented')),
		status_detail TEXT NOT NULL DEFAULT 'unknown',
		last_sync TIMESTAMP NOT NULL,
		generation TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sims_generation
		ON sims(generation);

	-- Customers
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT ''
	);

	-- Inventory
	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sim_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'available'
			CHECK (status IN ('available', 'rented', 'maintenance')),
		updated_at TIMESTAMP
	);

	-- Not unique: the application does not enforce one item per ICCID
	CREATE INDEX IF NOT EXISTS idx_inventory_sim_number
		ON inventory_items(sim_number) WHERE sim_number != '';

	-- Rentals
	CREATE TABLE IF NOT EXISTS rentals (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		status TEXT NOT NULL CHECK (status IN ('active', 'overdue', 'returned')),
		start_date DATE NOT NULL,
		end_date DATE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rentals_status
		ON rentals(status);

	CREATE TABLE IF NOT EXISTS rental_items (
		rental_id TEXT NOT NULL REFERENCES rentals(id) ON DELETE CASCADE,
		inventory_item_id TEXT NOT NULL REFERENCES inventory_items(id),
		PRIMARY KEY (rental_id, inventory_item_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rental_items_item
		ON rental_items(inventory_item_id);

	-- Activate-and-swap runs
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		old_iccid TEXT NOT NULL,
		new_iccid TEXT NOT NULL,
		state TEXT NOT NULL,
		failed_step TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		orphaned BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_runs_started
		ON workflow_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REGISTRY (sim.RegistryStore interface)
// =============================================================================

const simColumns = `iccid, sim_number, local_number, israeli_number, status_raw,
	expiry_date, plan, start_date, end_date, note,
	status, status_detail, last_sync, generation`

// ListSims returns the registry ordered by ICCID.
func (s *Store) ListSims(ctx context.Context) ([]sim.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []sim.Record{}
	if err := s.db.SelectContext(ctx, &records, `SELECT `+simColumns+` FROM sims ORDER BY iccid`); err != nil {
		return nil, fmt.Errorf("failed to list sims: %w", err)
	}
	return records, nil
}

// GetSim returns one registry row or sim.ErrNotFound.
func (s *Store) GetSim(ctx context.Context, iccid string) (*sim.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r sim.Record
	err := s.db.GetContext(ctx, &r, `SELECT `+simColumns+` FROM sims WHERE iccid = ?`, iccid)
	if err != nil {
		if isNoRows(err) {
			return nil, sim.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sim %s: %w", iccid, err)
	}
	return &r, nil
}

// ReplaceAll makes records the whole registry. All rows are written under
// one generation (records[0].Generation, or a fresh one); rows of any
// other generation are pruned in the same transaction. An empty slice is a
// no-op.
func (s *Store) ReplaceAll(ctx context.Context, records []sim.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	generation := records[0].Generation
	if generation == "" {
		generation = uuid.NewString()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin replace: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO sims (`+simColumns+`)
		VALUES (:iccid, :sim_number, :local_number, :israeli_number, :status_raw,
			:expiry_date, :plan, :start_date, :end_date, :note,
			:status, :status_detail, :last_sync, :generation)
		ON CONFLICT(iccid) DO UPDATE SET
			sim_number = excluded.sim_number,
			local_number = excluded.local_number,
			israeli_number = excluded.israeli_number,
			status_raw = excluded.status_raw,
			expiry_date = excluded.expiry_date,
			plan = excluded.plan,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			note = excluded.note,
			status = excluded.status,
			status_detail = excluded.status_detail,
			last_sync = excluded.last_sync,
			generation = excluded.generation
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		r.Generation = generation
		if r.LastSync.IsZero() {
			r.LastSync = s.now().UTC()
		}
		if r.StatusDetail == "" {
			r.StatusDetail = sim.DetailUnknown
		}
		if _, err := stmt.ExecContext(ctx, r); err != nil {
			return fmt.Errorf("failed to upsert sim %s: %w", r.ICCID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sims WHERE generation != ?`, generation); err != nil {
		return fmt.Errorf("failed to prune old generations: %w", err)
	}

	return tx.Commit()
}

// UpdateStatus patches one registry row.
func (s *Store) UpdateStatus(ctx context.Context, iccid string, status sim.Status, detail sim.Detail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sims SET status = ?, status_detail = ? WHERE iccid = ?`,
		status, detail, iccid)
	if err != nil {
		return fmt.Errorf("failed to update sim %s: %w", iccid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sim.ErrNotFound
	}
	return nil
}

// =============================================================================
// LOCAL DATA (sim.LocalStore interface)
// =============================================================================

// ListInventory returns every inventory item ordered by ID.
func (s *Store) ListInventory(ctx context.Context) ([]rental.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := []rental.InventoryItem{}
	err := s.db.SelectContext(ctx, &items, `
		SELECT id, name, sim_number, status
		FROM inventory_items
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	return items, nil
}

// ListRentals returns every rental with its customer contact and items.
func (s *Store) ListRentals(ctx context.Context) ([]rental.RentalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rentals := []rental.RentalRecord{}
	err := s.db.SelectContext(ctx, &rentals, `
		SELECT r.id, r.customer_id, c.name AS customer_name, c.phone AS customer_phone,
			r.status, r.start_date, r.end_date
		FROM rentals r
		JOIN customers c ON c.id = r.customer_id
		ORDER BY r.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rentals: %w", err)
	}

	var links []rental.RentalItem
	err = s.db.SelectContext(ctx, &links, `
		SELECT rental_id, inventory_item_id
		FROM rental_items
		ORDER BY rental_id, inventory_item_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rental items: %w", err)
	}

	byRental := make(map[string][]rental.RentalItem, len(rentals))
	for _, l := range links {
		byRental[l.RentalID] = append(byRental[l.RentalID], l)
	}
	for i := range rentals {
		rentals[i].Items = byRental[rentals[i].ID]
	}
	return rentals, nil
}

// MarkInventoryRented sets available items carrying iccid to rented.
func (s *Store) MarkInventoryRented(ctx context.Context, iccid string) (int, error) {
	if iccid == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items
		SET status = ?, updated_at = ?
		WHERE sim_number = ? AND status = ?
	`, rental.ItemRented, s.now().UTC(), iccid, rental.ItemAvailable)
	if err != nil {
		return 0, fmt.Errorf("failed to mark inventory rented for %s: %w", iccid, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// IMPORT - Loading the application's inventory and rentals
// =============================================================================

// ImportInventory upserts inventory items.
func (s *Store) ImportInventory(ctx context.Context, items []rental.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, it := range items {
		if it.Status == "" {
			it.Status = rental.ItemAvailable
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_items (id, name, sim_number, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				sim_number = excluded.sim_number,
				status = excluded.status,
				updated_at = excluded.updated_at
		`, it.ID, it.Name, strings.TrimSpace(it.SimNumber), it.Status, s.now().UTC())
		if err != nil {
			return fmt.Errorf("failed to import inventory item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// ImportRentals upserts rentals, their customers and their item links.
// Item links of an imported rental are replaced.
func (s *Store) ImportRentals(ctx context.Context, rentals []rental.RentalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range rentals {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customers (id, name, phone) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone
		`, r.CustomerID, r.CustomerName, r.CustomerPhone)
		if err != nil {
			return fmt.Errorf("failed to import customer %s: %w", r.CustomerID, err)
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO rentals (id, customer_id, status, start_date, end_date)
			VALUES (:id, :customer_id, :status, :start_date, :end_date)
			ON CONFLICT(id) DO UPDATE SET
				customer_id = excluded.customer_id,
				status = excluded.status,
				start_date = excluded.start_date,
				end_date = excluded.end_date
		`, r)
		if err != nil {
			return fmt.Errorf("failed to import rental %s: %w", r.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM rental_items WHERE rental_id = ?`, r.ID); err != nil {
			return err
		}
		for _, it := range r.Items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rental_items (rental_id, inventory_item_id) VALUES (?, ?)`,
				r.ID, it.InventoryItemID); err != nil {
				return fmt.Errorf("failed to link item %s to rental %s: %w", it.InventoryItemID, r.ID, err)
			}
		}
	}
	return tx.Commit()
}

// =============================================================================
// WORKFLOW RUNS (workflow.RunStore interface)
// =============================================================================

// SaveRun inserts or updates a workflow run.
func (s *Store) SaveRun(ctx context.Context, run workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflow_runs (id, old_iccid, new_iccid, state, failed_step, error,
			orphaned, started_at, finished_at)
		VALUES (:id, :old_iccid, :new_iccid, :state, :failed_step, :error,
			:orphaned, :started_at, :finished_at)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			failed_step = excluded.failed_step,
			error = excluded.error,
			orphaned = excluded.orphaned,
			finished_at = excluded.finished_at
	`, run)
	if err != nil {
		return fmt.Errorf("failed to save workflow run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 means 100.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]workflow.Run, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []workflow.Run{}
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, old_iccid, new_iccid, state, failed_step, error, orphaned, started_at, finished_at
		FROM workflow_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	return runs, nil
}

// Helper functions

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

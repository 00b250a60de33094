// Package sqlite is the embedded ledger store. It persists allocation pools
// and the append-only ledger in a single SQLite database; the conservation
// invariants are enforced by CHECK constraints so no code path — including
// future ones — can commit an over-allocated pool.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle for the allocation engine.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at dir/ledger.db and applies the
// schema. Pass ":memory:" for an ephemeral database.
func Open(dir string) (*DB, error) {
	path := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		path = filepath.Join(dir, "ledger.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer connection: SQLite serializes writes anyway, and a single
	// connection avoids SQLITE_BUSY under concurrent reservations.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	for _, stmt := range Migrations() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration: %w", err)
		}
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (db *DB) Close() error { return db.db.Close() }

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements. Each string is a single SQL
// statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Allocation pools: one row per budget holder. The CHECK constraints
		// reject any write that would leave a balance negative or
		// over-committed, even if a code path misses the guard.
		`CREATE TABLE IF NOT EXISTS allocation_pools (
			id              TEXT PRIMARY KEY,
			tier            TEXT NOT NULL,
			owner_ref       TEXT NOT NULL,
			parent_pool_id  TEXT REFERENCES allocation_pools(id),
			total_allocated INTEGER NOT NULL DEFAULT 0 CHECK(total_allocated >= 0),
			distributed     INTEGER NOT NULL DEFAULT 0 CHECK(distributed >= 0),
			consumed        INTEGER NOT NULL DEFAULT 0 CHECK(consumed >= 0),
			reserved        INTEGER NOT NULL DEFAULT 0 CHECK(reserved >= 0),
			status          TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			CHECK(distributed + consumed + reserved <= total_allocated),
			UNIQUE(tier, owner_ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_parent ON allocation_pools(parent_pool_id)`,

		// Ledger entries: write-once. No UPDATE or DELETE is issued against
		// this table anywhere in the engine. The (pool_id, reference_id)
		// unique index is the idempotency mechanism.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
			id                   TEXT NOT NULL UNIQUE,
			pool_id              TEXT NOT NULL REFERENCES allocation_pools(id),
			counterparty_pool_id TEXT,
			delta                INTEGER NOT NULL CHECK(delta != 0),
			balance_after        INTEGER NOT NULL,
			kind                 TEXT NOT NULL,
			actor_ref            TEXT NOT NULL,
			reference_id         TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			UNIQUE(pool_id, reference_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_pool ON ledger_entries(pool_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference_id)`,
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueViolation(err error, table string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+table)
}

func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

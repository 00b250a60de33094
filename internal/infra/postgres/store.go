// Package postgres is the server-grade ledger store. It mirrors the SQLite
// store's semantics on Postgres via the pgx stdlib driver: same schema
// shape, same conditional-update reservation check, same write-once ledger.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/zuber2301/sparknode-sub002/internal/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

// Store persists pools and ledger entries in Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection, and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS allocation_pools (
		id              TEXT PRIMARY KEY,
		tier            TEXT NOT NULL,
		owner_ref       TEXT NOT NULL,
		parent_pool_id  TEXT REFERENCES allocation_pools(id),
		total_allocated BIGINT NOT NULL DEFAULT 0 CHECK(total_allocated >= 0),
		distributed     BIGINT NOT NULL DEFAULT 0 CHECK(distributed >= 0),
		consumed        BIGINT NOT NULL DEFAULT 0 CHECK(consumed >= 0),
		reserved        BIGINT NOT NULL DEFAULT 0 CHECK(reserved >= 0),
		status          TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		CHECK(distributed + consumed + reserved <= total_allocated),
		UNIQUE(tier, owner_ref)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pools_parent ON allocation_pools(parent_pool_id)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq                  BIGSERIAL PRIMARY KEY,
		id                   TEXT NOT NULL UNIQUE,
		pool_id              TEXT NOT NULL REFERENCES allocation_pools(id),
		counterparty_pool_id TEXT,
		delta                BIGINT NOT NULL CHECK(delta <> 0),
		balance_after        BIGINT NOT NULL,
		kind                 TEXT NOT NULL,
		actor_ref            TEXT NOT NULL,
		reference_id         TEXT NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL,
		UNIQUE(pool_id, reference_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_pool ON ledger_entries(pool_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference_id)`,
}

// ─── Error classification ───────────────────────────────────────────────────

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// ─── Pool Reads ─────────────────────────────────────────────────────────────

const poolColumns = `id, tier, owner_ref, parent_pool_id, total_allocated,
	distributed, consumed, reserved, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*domain.AllocationPool, error) {
	var (
		p      domain.AllocationPool
		tier   string
		parent sql.NullString
		status string
	)
	err := row.Scan(&p.ID, &tier, &p.OwnerRef, &parent, &p.TotalAllocated,
		&p.Distributed, &p.Consumed, &p.Reserved, &status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	if p.Tier, err = domain.ParseTier(tier); err != nil {
		return nil, err
	}
	if p.Status, err = domain.ParsePoolStatus(status); err != nil {
		return nil, err
	}
	p.ParentPoolID = parent.String
	return &p, nil
}

// GetPool retrieves one pool by id.
func (s *Store) GetPool(ctx context.Context, id string) (*domain.AllocationPool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM allocation_pools WHERE id = $1`, id)
	return scanPool(row)
}

// GetPoolByOwner retrieves the pool bound to an owner at one tier.
func (s *Store) GetPoolByOwner(ctx context.Context, tier domain.Tier, ownerRef string) (*domain.AllocationPool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM allocation_pools WHERE tier = $1 AND owner_ref = $2`,
		tier.String(), ownerRef)
	return scanPool(row)
}

// ListPools returns every pool, tier-ordered.
func (s *Store) ListPools(ctx context.Context) ([]domain.AllocationPool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+poolColumns+` FROM allocation_pools ORDER BY tier, owner_ref`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.AllocationPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

// CountChildren returns the number of pools allocated under a parent.
func (s *Store) CountChildren(ctx context.Context, poolID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM allocation_pools WHERE parent_pool_id = $1`, poolID).Scan(&n)
	return n, err
}

// ─── Ledger Reads ───────────────────────────────────────────────────────────

const entryColumns = `seq, id, pool_id, counterparty_pool_id, delta,
	balance_after, kind, actor_ref, reference_id, created_at`

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		e            domain.LedgerEntry
		counterparty sql.NullString
		kind         string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.PoolID, &counterparty, &e.Delta,
		&e.BalanceAfter, &kind, &e.ActorRef, &e.ReferenceID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	if e.Kind, err = domain.ParseEntryKind(kind); err != nil {
		return nil, err
	}
	e.CounterpartyPoolID = counterparty.String
	return &e, nil
}

// GetEntry retrieves one ledger entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	return scanEntry(row)
}

// EntriesFor returns a pool's entries in creation order after sinceSeq.
func (s *Store) EntriesFor(ctx context.Context, poolID string, sinceSeq int64, limit int) ([]domain.LedgerEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE pool_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{poolID, sinceSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, q, args...)
}

// EntriesByReference returns the entries recorded for one (pool, reference).
func (s *Store) EntriesByReference(ctx context.Context, poolID, referenceID string) ([]domain.LedgerEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE pool_id = $1 AND reference_id = $2 ORDER BY seq`, poolID, referenceID)
}

func (s *Store) queryEntries(ctx context.Context, q string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ReconstructBalance folds the pool's full ledger into a balance triple.
func (s *Store) ReconstructBalance(ctx context.Context, poolID string) (domain.LedgerBalance, error) {
	entries, err := s.EntriesFor(ctx, poolID, 0, 0)
	if err != nil {
		return domain.LedgerBalance{}, err
	}
	return domain.ReconstructBalance(entries)
}

// ─── Reservations ───────────────────────────────────────────────────────────

// Reserve places a two-phase hold on pool capacity. The conditional UPDATE
// takes a row lock, so concurrent reservations serialize per pool while
// disjoint pools proceed in parallel.
func (s *Store) Reserve(ctx context.Context, poolID string, amount int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocation_pools
		SET reserved = reserved + $1, updated_at = $2
		WHERE id = $3 AND status = 'ACTIVE'
		  AND distributed + consumed + reserved + $1 <= total_allocated
	`, amount, time.Now().UTC(), poolID)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	pool, err := s.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if pool.Status == domain.PoolFrozen {
		return fmt.Errorf("pool %s: %w", poolID, domain.ErrPoolFrozen)
	}
	return &domain.InsufficientFundsError{
		PoolID:    poolID,
		Requested: amount,
		Available: pool.Available(),
	}
}

// ReleaseReservation returns held capacity to the pool.
func (s *Store) ReleaseReservation(ctx context.Context, poolID string, amount int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocation_pools
		SET reserved = reserved - $1, updated_at = $2
		WHERE id = $3 AND reserved >= $1
	`, amount, time.Now().UTC(), poolID)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("pool %s: release of %d exceeds held reservation: %w",
			poolID, amount, domain.ErrIntegrityViolation)
	}
	return nil
}

// ─── Movement Commit ────────────────────────────────────────────────────────

// Commit applies one movement in a single transaction.
func (s *Store) Commit(ctx context.Context, mv domain.Movement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin movement: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	if p := mv.CreatePool; p != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocation_pools
				(id, tier, owner_ref, parent_pool_id, total_allocated,
				 distributed, consumed, reserved, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
		`, p.ID, p.Tier.String(), p.OwnerRef, nullable(p.ParentPoolID),
			p.TotalAllocated, p.Distributed, p.Consumed, string(p.Status),
			p.CreatedAt.UTC(), p.UpdatedAt.UTC())
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("pool for %s/%s already exists: %w",
				p.Tier, p.OwnerRef, domain.ErrDuplicateReference)
		}
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
	}

	for _, u := range mv.Updates {
		res, err := tx.ExecContext(ctx, `
			UPDATE allocation_pools
			SET total_allocated = total_allocated + $1,
			    distributed     = distributed + $2,
			    consumed        = consumed + $3,
			    updated_at      = $4
			WHERE id = $5 AND status = 'ACTIVE'
		`, u.TotalDelta, u.DistributedDelta, u.ConsumedDelta, now, u.PoolID)
		if pgCode(err) == pgCheckViolation {
			return &domain.InsufficientFundsError{PoolID: u.PoolID}
		}
		if err != nil {
			return fmt.Errorf("update pool %s: %w", u.PoolID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			if err := classifyInTx(ctx, tx, u.PoolID); err != nil {
				return err
			}
		}
	}

	for _, e := range mv.Entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
				(id, pool_id, counterparty_pool_id, delta, balance_after,
				 kind, actor_ref, reference_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.ID, e.PoolID, nullable(e.CounterpartyPoolID), e.Delta,
			e.BalanceAfter, string(e.Kind), e.ActorRef, e.ReferenceID,
			e.CreatedAt.UTC())
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("pool %s reference %s: %w",
				e.PoolID, e.ReferenceID, domain.ErrDuplicateReference)
		}
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
	}

	if r := mv.ConfirmReserve; r != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE allocation_pools
			SET reserved = reserved - $1, distributed = distributed + $1, updated_at = $2
			WHERE id = $3 AND reserved >= $1
		`, r.Amount, now, r.PoolID)
		if err != nil {
			return fmt.Errorf("confirm reservation: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("pool %s: confirm of %d exceeds held reservation: %w",
				r.PoolID, r.Amount, domain.ErrIntegrityViolation)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit movement: %w", err)
	}
	committed = true
	return nil
}

func classifyInTx(ctx context.Context, tx *sql.Tx, poolID string) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM allocation_pools WHERE id = $1`, poolID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("pool %s: %w", poolID, domain.ErrPoolNotFound)
	}
	if err != nil {
		return err
	}
	if domain.PoolStatus(status) == domain.PoolFrozen {
		return fmt.Errorf("pool %s: %w", poolID, domain.ErrPoolFrozen)
	}
	return fmt.Errorf("pool %s: update not applied", poolID)
}

// ─── Administration ─────────────────────────────────────────────────────────

// SetPoolStatus flips a pool between ACTIVE and FROZEN.
func (s *Store) SetPoolStatus(ctx context.Context, poolID string, status domain.PoolStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocation_pools SET status = $1, updated_at = $2 WHERE id = $3
	`, string(status), time.Now().UTC(), poolID)
	if err != nil {
		return fmt.Errorf("set pool status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("pool %s: %w", poolID, domain.ErrPoolNotFound)
	}
	return nil
}

// ResetBalances overwrites the cached balance from a ledger reconstruction.
func (s *Store) ResetBalances(ctx context.Context, poolID string, b domain.LedgerBalance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocation_pools
		SET total_allocated = $1, distributed = $2, consumed = $3, reserved = 0, updated_at = $4
		WHERE id = $5
	`, b.TotalAllocated, b.Distributed, b.Consumed, time.Now().UTC(), poolID)
	if err != nil {
		return fmt.Errorf("reset balances: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("pool %s: %w", poolID, domain.ErrPoolNotFound)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

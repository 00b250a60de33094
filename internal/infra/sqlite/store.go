package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zuber2301/sparknode-sub002/internal/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*DB)(nil)

// ─── Pool Reads ─────────────────────────────────────────────────────────────

const poolColumns = `id, tier, owner_ref, parent_pool_id, total_allocated,
	distributed, consumed, reserved, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*domain.AllocationPool, error) {
	var (
		p         domain.AllocationPool
		tier      string
		parent    sql.NullString
		status    string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&p.ID, &tier, &p.OwnerRef, &parent, &p.TotalAllocated,
		&p.Distributed, &p.Consumed, &p.Reserved, &status, &createdAt, &updatedAt)
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
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// GetPool retrieves one pool by id.
func (db *DB) GetPool(ctx context.Context, id string) (*domain.AllocationPool, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM allocation_pools WHERE id = ?`, id)
	return scanPool(row)
}

// GetPoolByOwner retrieves the pool bound to an owner at one tier.
func (db *DB) GetPoolByOwner(ctx context.Context, tier domain.Tier, ownerRef string) (*domain.AllocationPool, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM allocation_pools WHERE tier = ? AND owner_ref = ?`,
		tier.String(), ownerRef)
	return scanPool(row)
}

// ListPools returns every pool, tier-ordered.
func (db *DB) ListPools(ctx context.Context) ([]domain.AllocationPool, error) {
	rows, err := db.db.QueryContext(ctx,
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
func (db *DB) CountChildren(ctx context.Context, poolID string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM allocation_pools WHERE parent_pool_id = ?`, poolID).Scan(&n)
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
		createdAt    string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.PoolID, &counterparty, &e.Delta,
		&e.BalanceAfter, &kind, &e.ActorRef, &e.ReferenceID, &createdAt)
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
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// GetEntry retrieves one ledger entry by id.
func (db *DB) GetEntry(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	return scanEntry(row)
}

// EntriesFor returns a pool's entries in creation order after sinceSeq.
func (db *DB) EntriesFor(ctx context.Context, poolID string, sinceSeq int64, limit int) ([]domain.LedgerEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE pool_id = ? AND seq > ? ORDER BY seq`
	args := []any{poolID, sinceSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return db.queryEntries(ctx, q, args...)
}

// EntriesByReference returns the entries recorded for one (pool, reference).
func (db *DB) EntriesByReference(ctx context.Context, poolID, referenceID string) ([]domain.LedgerEntry, error) {
	return db.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE pool_id = ? AND reference_id = ? ORDER BY seq`, poolID, referenceID)
}

func (db *DB) queryEntries(ctx context.Context, q string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := db.db.QueryContext(ctx, q, args...)
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
func (db *DB) ReconstructBalance(ctx context.Context, poolID string) (domain.LedgerBalance, error) {
	entries, err := db.EntriesFor(ctx, poolID, 0, 0)
	if err != nil {
		return domain.LedgerBalance{}, err
	}
	return domain.ReconstructBalance(entries)
}

// ─── Reservations ───────────────────────────────────────────────────────────

// Reserve places a two-phase hold on pool capacity. The balance check and
// the hold are one conditional UPDATE, so concurrent reservations against
// the same pool behave as if serialized: the guard re-evaluates against the
// committed row state and the affected-row count is the outcome.
func (db *DB) Reserve(ctx context.Context, poolID string, amount int64) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE allocation_pools
		SET reserved = reserved + ?, updated_at = ?
		WHERE id = ? AND status = 'ACTIVE'
		  AND distributed + consumed + reserved + ? <= total_allocated
	`, amount, formatTime(time.Now()), poolID, amount)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return db.classifyRejection(ctx, poolID, amount)
}

// classifyRejection turns a zero-row guard failure into the right error.
func (db *DB) classifyRejection(ctx context.Context, poolID string, amount int64) error {
	pool, err := db.GetPool(ctx, poolID)
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
func (db *DB) ReleaseReservation(ctx context.Context, poolID string, amount int64) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE allocation_pools
		SET reserved = reserved - ?, updated_at = ?
		WHERE id = ? AND reserved >= ?
	`, amount, formatTime(time.Now()), poolID, amount)
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

// Commit applies one movement in a single transaction: optional pool
// creation, cached-balance deltas, ledger appends, and reservation confirm
// all land together or not at all.
func (db *DB) Commit(ctx context.Context, mv domain.Movement) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin movement: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(time.Now())

	if p := mv.CreatePool; p != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocation_pools
				(id, tier, owner_ref, parent_pool_id, total_allocated,
				 distributed, consumed, reserved, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, p.ID, p.Tier.String(), p.OwnerRef, nullable(p.ParentPoolID),
			p.TotalAllocated, p.Distributed, p.Consumed, string(p.Status),
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
		if isUniqueViolation(err, "allocation_pools") {
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
			SET total_allocated = total_allocated + ?,
			    distributed     = distributed + ?,
			    consumed        = consumed + ?,
			    updated_at      = ?
			WHERE id = ? AND status = 'ACTIVE'
		`, u.TotalDelta, u.DistributedDelta, u.ConsumedDelta, now, u.PoolID)
		if isCheckViolation(err) {
			// A delta pushed the pool past conservation or below zero.
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.PoolID, nullable(e.CounterpartyPoolID), e.Delta,
			e.BalanceAfter, string(e.Kind), e.ActorRef, e.ReferenceID,
			formatTime(e.CreatedAt))
		if isUniqueViolation(err, "ledger_entries") {
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
			SET reserved = reserved - ?, distributed = distributed + ?, updated_at = ?
			WHERE id = ? AND reserved >= ?
		`, r.Amount, r.Amount, now, r.PoolID, r.Amount)
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

// classifyInTx resolves a zero-row pool update inside an open transaction.
func classifyInTx(ctx context.Context, tx *sql.Tx, poolID string) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM allocation_pools WHERE id = ?`, poolID).Scan(&status)
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
func (db *DB) SetPoolStatus(ctx context.Context, poolID string, status domain.PoolStatus) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE allocation_pools SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now()), poolID)
	if err != nil {
		return fmt.Errorf("set pool status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("pool %s: %w", poolID, domain.ErrPoolNotFound)
	}
	return nil
}

// ResetBalances overwrites the cached balance from a ledger reconstruction
// and clears any reservation leaked by a crash mid-allocation.
func (db *DB) ResetBalances(ctx context.Context, poolID string, b domain.LedgerBalance) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE allocation_pools
		SET total_allocated = ?, distributed = ?, consumed = ?, reserved = 0, updated_at = ?
		WHERE id = ?
	`, b.TotalAllocated, b.Distributed, b.Consumed, formatTime(time.Now()), poolID)
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

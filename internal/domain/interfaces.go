package domain

import "context"

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define the boundary between the hierarchy manager and the
// durable stores. Infrastructure implements them; the application layer
// depends on them. The engine is storage-agnostic: SQLite for embedded use,
// Postgres for server deployments, both behind the same contract.

// Movement describes one multi-step balance transaction. The store applies
// all parts atomically: either every pool delta, ledger entry, and optional
// pool creation commits, or none do. No partial state is ever observable.
type Movement struct {
	// CreatePool, when non-nil, inserts a new child pool in the same
	// transaction as the entries crediting it.
	CreatePool *AllocationPool

	// Updates are cached-balance deltas, one per affected pool. The store
	// enforces conservation (distributed+consumed+reserved <= total, all
	// fields non-negative) on every update.
	Updates []PoolUpdate

	// Entries are appended to the ledger. An append that reuses a
	// (pool_id, reference_id) pair fails the whole movement with
	// ErrDuplicateReference.
	Entries []LedgerEntry

	// ConfirmReserve, when non-nil, converts a prior two-phase reservation
	// on the named pool into committed distribution.
	ConfirmReserve *Reservation
}

// PoolUpdate is a set of signed deltas against one pool's cached balance.
type PoolUpdate struct {
	PoolID           string
	TotalDelta       int64
	DistributedDelta int64
	ConsumedDelta    int64
}

// Reservation is a two-phase hold on pool capacity. It exists so the manager
// can allocate to a new child pool and only commit once the child pool and
// its ledger entries are durably created; Release returns the capacity on
// any downstream failure.
type Reservation struct {
	PoolID string
	Amount int64
}

// Store is the durable home of pools and ledger entries. Implementations
// must make Reserve behave as if serialized per pool: two concurrent
// reservations whose combined amount exceeds the available balance must
// never both succeed. Locking granularity is per-pool, never global.
type Store interface {
	// Reads.
	GetPool(ctx context.Context, id string) (*AllocationPool, error)
	GetPoolByOwner(ctx context.Context, tier Tier, ownerRef string) (*AllocationPool, error)
	ListPools(ctx context.Context) ([]AllocationPool, error)
	CountChildren(ctx context.Context, poolID string) (int, error)

	// GetEntry fetches one ledger entry by id.
	GetEntry(ctx context.Context, id string) (*LedgerEntry, error)
	// EntriesFor returns the pool's entries in creation order, starting
	// after sinceSeq; limit <= 0 means no limit. The sequence is finite
	// and restartable via the Seq cursor.
	EntriesFor(ctx context.Context, poolID string, sinceSeq int64, limit int) ([]LedgerEntry, error)
	// EntriesByReference returns entries for one (pool, reference) pair,
	// the replay-detection primitive behind idempotent retries.
	EntriesByReference(ctx context.Context, poolID, referenceID string) ([]LedgerEntry, error)
	// ReconstructBalance sums the pool's ledger deltas from scratch.
	ReconstructBalance(ctx context.Context, poolID string) (LedgerBalance, error)

	// Reserve atomically places a two-phase hold on pool capacity. Fails
	// with *InsufficientFundsError or ErrPoolFrozen; never partially
	// reserves. This is the only operation permitted to race.
	Reserve(ctx context.Context, poolID string, amount int64) error
	// ReleaseReservation returns held capacity (the rollback path).
	ReleaseReservation(ctx context.Context, poolID string, amount int64) error

	// Commit applies one movement atomically.
	Commit(ctx context.Context, mv Movement) error

	// SetPoolStatus flips a pool between ACTIVE and FROZEN.
	SetPoolStatus(ctx context.Context, poolID string, status PoolStatus) error

	// ResetBalances overwrites a pool's cached balance from a ledger
	// reconstruction and clears any leaked reservation. Crash-recovery
	// only; the ledger remains untouched.
	ResetBalances(ctx context.Context, poolID string, b LedgerBalance) error
}

// Package allocation implements the hierarchy manager: the one component
// allowed to move budget between pools. It orchestrates multi-step
// allocation transactions over a domain.Store, enforces the tier ordering
// and conservation invariants, and answers retried requests idempotently
// from the ledger.
//
// Every operation is all-or-nothing. A reservation is taken on the parent
// first; the child pool, both ledger entries, and the reservation confirm
// then commit in one store transaction, and the reservation is released on
// any failure so the parent's balance is unchanged on every error path.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zuber2301/sparknode-sub002/internal/domain"
	"github.com/zuber2301/sparknode-sub002/internal/infra/observability"
)

// PlatformOwnerRef is the owner reference of the singleton root pool.
const PlatformOwnerRef = "platform"

// Manager owns the tier graph and the transactional boundary around pools
// and ledger entries. No other component mutates them.
type Manager struct {
	store domain.Store
	locks *lockTable
}

// New creates a hierarchy manager on top of a durable store.
func New(store domain.Store) *Manager {
	return &Manager{store: store, locks: newLockTable()}
}

// ─── Requests and Results ───────────────────────────────────────────────────

// AllocateRequest describes one parent-to-child budget movement.
type AllocateRequest struct {
	ParentPoolID  string
	ChildOwnerRef string
	ChildTier     domain.Tier
	Amount        int64
	ActorRef      string
	ReferenceID   string
}

// AllocationResult reports a committed (or replayed) allocation.
type AllocationResult struct {
	PoolID        string               `json:"pool_id"` // child pool
	ParentPoolID  string               `json:"parent_pool_id,omitempty"`
	Kind          domain.EntryKind     `json:"kind"`
	Amount        int64                `json:"amount"`
	ReferenceID   string               `json:"reference_id"`
	DebitEntryID  string               `json:"debit_entry_id,omitempty"`
	CreditEntryID string               `json:"credit_entry_id"`
	Balance       domain.LedgerBalance `json:"balance"` // child balance after the movement
	Replayed      bool                 `json:"replayed"`
}

// ConsumeResult reports a committed (or replayed) terminal spend.
type ConsumeResult struct {
	PoolID      string               `json:"pool_id"`
	Amount      int64                `json:"amount"`
	ReferenceID string               `json:"reference_id"`
	EntryID     string               `json:"entry_id"`
	Balance     domain.LedgerBalance `json:"balance"`
	Replayed    bool                 `json:"replayed"`
}

// ReverseResult reports the compensating entries appended for a reversal.
type ReverseResult struct {
	ReversedEntryID string   `json:"reversed_entry_id"`
	ReferenceID     string   `json:"reference_id"`
	EntryIDs        []string `json:"entry_ids"`
	Replayed        bool     `json:"replayed"`
}

func validate(amount int64, actorRef, referenceID string) error {
	if amount <= 0 {
		return fmt.Errorf("amount %d: %w", amount, domain.ErrInvalidAmount)
	}
	if actorRef == "" {
		return errors.New("actor_ref is required")
	}
	if referenceID == "" {
		return errors.New("reference_id is required")
	}
	return nil
}

// ─── Platform Funding ───────────────────────────────────────────────────────

// FundPlatform credits the singleton platform root pool from outside the
// hierarchy (the only movement with no counterparty credit side). The root
// pool is created on first funding.
func (m *Manager) FundPlatform(ctx context.Context, amount int64, actorRef, referenceID string) (*AllocationResult, error) {
	if err := validate(amount, actorRef, referenceID); err != nil {
		return nil, err
	}

	release := m.locks.acquire("owner/" + domain.TierPlatform.String() + "/" + PlatformOwnerRef)
	defer release()

	root, err := m.store.GetPoolByOwner(ctx, domain.TierPlatform, PlatformOwnerRef)
	if err != nil && !errors.Is(err, domain.ErrPoolNotFound) {
		return nil, err
	}

	kind := domain.KindTopUp
	now := time.Now()
	var mv domain.Movement
	var after domain.LedgerBalance
	if root == nil {
		kind = domain.KindAllocate
		root = &domain.AllocationPool{
			ID:        uuid.NewString(),
			Tier:      domain.TierPlatform,
			OwnerRef:  PlatformOwnerRef,
			Status:    domain.PoolActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		mv.CreatePool = root
	} else if res, err := m.replayAllocation(ctx, root.ID, referenceID); err != nil || res != nil {
		return res, err
	}

	after = root.Balance()
	after.TotalAllocated += amount

	credit := domain.LedgerEntry{
		ID:           uuid.NewString(),
		PoolID:       root.ID,
		Delta:        amount,
		BalanceAfter: after.Available(),
		Kind:         kind,
		ActorRef:     actorRef,
		ReferenceID:  referenceID,
		CreatedAt:    now,
	}
	mv.Updates = []domain.PoolUpdate{{PoolID: root.ID, TotalDelta: amount}}
	mv.Entries = []domain.LedgerEntry{credit}

	if err := m.store.Commit(ctx, mv); err != nil {
		if errors.Is(err, domain.ErrDuplicateReference) {
			if res, rerr := m.replayAllocation(ctx, root.ID, referenceID); rerr != nil || res != nil {
				return res, rerr
			}
		}
		return nil, m.countFailure(err)
	}

	observability.AllocationsTotal.WithLabelValues(domain.TierPlatform.String(), string(kind)).Inc()
	observability.LedgerEntriesTotal.WithLabelValues(string(kind)).Inc()

	return &AllocationResult{
		PoolID:        root.ID,
		Kind:          kind,
		Amount:        amount,
		ReferenceID:   referenceID,
		CreditEntryID: credit.ID,
		Balance:       after,
	}, nil
}

// ─── Allocate ───────────────────────────────────────────────────────────────

// Allocate moves budget from a parent pool to the child pool owned by
// ChildOwnerRef at ChildTier, creating the child on first grant. A repeat
// grant to an existing pool takes the top-up path; a duplicate reference
// replays the original result.
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (*AllocationResult, error) {
	if err := validate(req.Amount, req.ActorRef, req.ReferenceID); err != nil {
		return nil, err
	}

	parent, err := m.store.GetPool(ctx, req.ParentPoolID)
	if err != nil {
		return nil, err
	}
	next, ok := parent.Tier.Child()
	if !ok || req.ChildTier != next {
		return nil, fmt.Errorf("%s pool cannot allocate to %s: %w",
			parent.Tier, req.ChildTier, domain.ErrInvalidTierTransition)
	}

	// The child may not exist yet; lock its owner identity so two first
	// grants for the same owner serialize on creation.
	child, err := m.store.GetPoolByOwner(ctx, req.ChildTier, req.ChildOwnerRef)
	if err != nil && !errors.Is(err, domain.ErrPoolNotFound) {
		return nil, err
	}
	childKey := "owner/" + req.ChildTier.String() + "/" + req.ChildOwnerRef
	if child != nil {
		childKey = child.ID
	}
	release := m.locks.acquire(parent.ID, childKey)
	defer release()

	if res, err := m.replayAllocation(ctx, parent.ID, req.ReferenceID); err != nil || res != nil {
		return res, err
	}

	// Re-read under the lock so balance snapshots are stable.
	if parent, err = m.store.GetPool(ctx, req.ParentPoolID); err != nil {
		return nil, err
	}
	if child, err = m.store.GetPoolByOwner(ctx, req.ChildTier, req.ChildOwnerRef); err != nil &&
		!errors.Is(err, domain.ErrPoolNotFound) {
		return nil, err
	}
	if child != nil && child.ParentPoolID != parent.ID {
		return nil, fmt.Errorf("owner %s already holds a pool under a different parent: %w",
			req.ChildOwnerRef, domain.ErrInvalidTierTransition)
	}
	if child != nil && child.Status == domain.PoolFrozen {
		return nil, fmt.Errorf("pool %s: %w", child.ID, domain.ErrPoolFrozen)
	}

	if err := m.store.Reserve(ctx, parent.ID, req.Amount); err != nil {
		return nil, m.countFailure(err)
	}
	observability.ReservationsActive.Inc()
	defer observability.ReservationsActive.Dec()

	now := time.Now()
	kind := domain.KindTopUp
	var mv domain.Movement
	if child == nil {
		kind = domain.KindAllocate
		child = &domain.AllocationPool{
			ID:           uuid.NewString(),
			Tier:         req.ChildTier,
			OwnerRef:     req.ChildOwnerRef,
			ParentPoolID: parent.ID,
			Status:       domain.PoolActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		mv.CreatePool = child
	}

	parentAfter := parent.Balance()
	parentAfter.Distributed += req.Amount
	childAfter := child.Balance()
	childAfter.TotalAllocated += req.Amount

	debit := domain.LedgerEntry{
		ID:                 uuid.NewString(),
		PoolID:             parent.ID,
		CounterpartyPoolID: child.ID,
		Delta:              -req.Amount,
		BalanceAfter:       parentAfter.Available(),
		Kind:               kind,
		ActorRef:           req.ActorRef,
		ReferenceID:        req.ReferenceID,
		CreatedAt:          now,
	}
	credit := domain.LedgerEntry{
		ID:                 uuid.NewString(),
		PoolID:             child.ID,
		CounterpartyPoolID: parent.ID,
		Delta:              req.Amount,
		BalanceAfter:       childAfter.Available(),
		Kind:               kind,
		ActorRef:           req.ActorRef,
		ReferenceID:        req.ReferenceID,
		CreatedAt:          now,
	}
	mv.Updates = []domain.PoolUpdate{{PoolID: child.ID, TotalDelta: req.Amount}}
	mv.Entries = []domain.LedgerEntry{debit, credit}
	mv.ConfirmReserve = &domain.Reservation{PoolID: parent.ID, Amount: req.Amount}

	if err := m.store.Commit(ctx, mv); err != nil {
		// The parent's balance must be unchanged on any failure path.
		if relErr := m.store.ReleaseReservation(ctx, parent.ID, req.Amount); relErr != nil {
			log.Printf("[allocation] release after failed commit on pool %s: %v", parent.ID, relErr)
		}
		if errors.Is(err, domain.ErrDuplicateReference) {
			// The duplicate may live on either side of the movement; a
			// reference held by a different operation is a real conflict.
			if res, rerr := m.replayAllocation(ctx, parent.ID, req.ReferenceID); rerr != nil || res != nil {
				return res, rerr
			}
		}
		return nil, m.countFailure(err)
	}

	observability.AllocationsTotal.WithLabelValues(req.ChildTier.String(), string(kind)).Inc()
	observability.LedgerEntriesTotal.WithLabelValues(string(kind)).Add(2)

	return &AllocationResult{
		PoolID:        child.ID,
		ParentPoolID:  parent.ID,
		Kind:          kind,
		Amount:        req.Amount,
		ReferenceID:   req.ReferenceID,
		DebitEntryID:  debit.ID,
		CreditEntryID: credit.ID,
		Balance:       childAfter,
	}, nil
}

// replayAllocation answers a duplicate allocation reference with the
// original result. A reference that exists but belongs to a different
// operation shape is a genuine conflict, not a replay.
func (m *Manager) replayAllocation(ctx context.Context, poolID, referenceID string) (*AllocationResult, error) {
	entries, err := m.store.EntriesByReference(ctx, poolID, referenceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	orig := entries[0]
	if orig.Kind != domain.KindAllocate && orig.Kind != domain.KindTopUp {
		return nil, fmt.Errorf("reference %s already used for %s: %w",
			referenceID, orig.Kind, domain.ErrDuplicateReference)
	}

	res := &AllocationResult{
		Kind:        orig.Kind,
		ReferenceID: referenceID,
		Replayed:    true,
	}
	switch {
	case orig.Delta < 0:
		// Debit side: poolID is the parent, counterparty the child.
		res.ParentPoolID = orig.PoolID
		res.PoolID = orig.CounterpartyPoolID
		res.Amount = -orig.Delta
		res.DebitEntryID = orig.ID
		peers, err := m.store.EntriesByReference(ctx, orig.CounterpartyPoolID, referenceID)
		if err != nil {
			return nil, err
		}
		for _, p := range peers {
			if p.Delta > 0 {
				res.CreditEntryID = p.ID
			}
		}
	default:
		// Credit side: root funding or direct lookup on the child.
		res.PoolID = orig.PoolID
		res.ParentPoolID = orig.CounterpartyPoolID
		res.Amount = orig.Delta
		res.CreditEntryID = orig.ID
	}

	pool, err := m.store.GetPool(ctx, res.PoolID)
	if err != nil {
		return nil, err
	}
	res.Balance = pool.Balance()

	observability.ReplaysTotal.Inc()
	return res, nil
}

// ─── Consume ────────────────────────────────────────────────────────────────

// Consume debits a leaf pool's own balance (employee spend). No child pool
// is created; a single CONSUME entry records the movement.
func (m *Manager) Consume(ctx context.Context, poolID string, amount int64, actorRef, referenceID string) (*ConsumeResult, error) {
	if err := validate(amount, actorRef, referenceID); err != nil {
		return nil, err
	}

	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if !pool.Tier.Leaf() {
		return nil, fmt.Errorf("consume is only legal at the leaf tier, pool %s is %s: %w",
			poolID, pool.Tier, domain.ErrInvalidTierTransition)
	}

	release := m.locks.acquire(poolID)
	defer release()

	if res, err := m.replayConsume(ctx, poolID, referenceID); err != nil || res != nil {
		return res, err
	}

	if pool, err = m.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	if pool.Status == domain.PoolFrozen {
		return nil, m.countFailure(fmt.Errorf("pool %s: %w", poolID, domain.ErrPoolFrozen))
	}
	if pool.Available() < amount {
		return nil, m.countFailure(&domain.InsufficientFundsError{
			PoolID:    poolID,
			Requested: amount,
			Available: pool.Available(),
		})
	}

	after := pool.Balance()
	after.Consumed += amount
	entry := domain.LedgerEntry{
		ID:           uuid.NewString(),
		PoolID:       poolID,
		Delta:        -amount,
		BalanceAfter: after.Available(),
		Kind:         domain.KindConsume,
		ActorRef:     actorRef,
		ReferenceID:  referenceID,
		CreatedAt:    time.Now(),
	}
	mv := domain.Movement{
		Updates: []domain.PoolUpdate{{PoolID: poolID, ConsumedDelta: amount}},
		Entries: []domain.LedgerEntry{entry},
	}

	if err := m.store.Commit(ctx, mv); err != nil {
		if errors.Is(err, domain.ErrDuplicateReference) {
			if res, rerr := m.replayConsume(ctx, poolID, referenceID); rerr != nil || res != nil {
				return res, rerr
			}
		}
		return nil, m.countFailure(err)
	}

	observability.AllocationsTotal.WithLabelValues(pool.Tier.String(), string(domain.KindConsume)).Inc()
	observability.LedgerEntriesTotal.WithLabelValues(string(domain.KindConsume)).Inc()

	return &ConsumeResult{
		PoolID:      poolID,
		Amount:      amount,
		ReferenceID: referenceID,
		EntryID:     entry.ID,
		Balance:     after,
	}, nil
}

func (m *Manager) replayConsume(ctx context.Context, poolID, referenceID string) (*ConsumeResult, error) {
	entries, err := m.store.EntriesByReference(ctx, poolID, referenceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	orig := entries[0]
	if orig.Kind != domain.KindConsume {
		return nil, fmt.Errorf("reference %s already used for %s: %w",
			referenceID, orig.Kind, domain.ErrDuplicateReference)
	}
	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	observability.ReplaysTotal.Inc()
	return &ConsumeResult{
		PoolID:      poolID,
		Amount:      -orig.Delta,
		ReferenceID: referenceID,
		EntryID:     orig.ID,
		Balance:     pool.Balance(),
		Replayed:    true,
	}, nil
}

// ─── Reads and Administration ───────────────────────────────────────────────

// Summary returns the read-only projection for one pool.
func (m *Manager) Summary(ctx context.Context, poolID string) (*domain.PoolSummary, error) {
	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	children, err := m.store.CountChildren(ctx, poolID)
	if err != nil {
		return nil, err
	}
	s := domain.Summarize(pool, children)
	return &s, nil
}

// Entries returns a pool's ledger entries in creation order after sinceSeq.
func (m *Manager) Entries(ctx context.Context, poolID string, sinceSeq int64, limit int) ([]domain.LedgerEntry, error) {
	if _, err := m.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return m.store.EntriesFor(ctx, poolID, sinceSeq, limit)
}

// PoolByOwner resolves the pool bound to an owner at one tier. Used by the
// API layer to translate tenant/department/employee ids into pool ids.
func (m *Manager) PoolByOwner(ctx context.Context, tier domain.Tier, ownerRef string) (*domain.AllocationPool, error) {
	return m.store.GetPoolByOwner(ctx, tier, ownerRef)
}

// PlatformPool returns the root pool.
func (m *Manager) PlatformPool(ctx context.Context) (*domain.AllocationPool, error) {
	return m.store.GetPoolByOwner(ctx, domain.TierPlatform, PlatformOwnerRef)
}

// SetStatus freezes or unfreezes a pool. FROZEN is terminal for writes but
// the pool remains readable.
func (m *Manager) SetStatus(ctx context.Context, poolID string, status domain.PoolStatus) error {
	release := m.locks.acquire(poolID)
	defer release()
	return m.store.SetPoolStatus(ctx, poolID, status)
}

func (m *Manager) countFailure(err error) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		observability.AllocationFailures.WithLabelValues("insufficient_funds").Inc()
	case errors.Is(err, domain.ErrPoolFrozen):
		observability.AllocationFailures.WithLabelValues("frozen").Inc()
	case errors.Is(err, domain.ErrInvalidTierTransition):
		observability.AllocationFailures.WithLabelValues("tier").Inc()
	default:
		observability.AllocationFailures.WithLabelValues("other").Inc()
	}
	return err
}

package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zuber2301/sparknode-sub002/internal/domain"
	"github.com/zuber2301/sparknode-sub002/internal/infra/observability"
)

// Reverse appends compensating REVERSE entries that undo the movement the
// given entry belongs to. The original entries are never mutated; a new
// reference id makes the reversal itself idempotent and auditable.
func (m *Manager) Reverse(ctx context.Context, entryID string, actorRef, referenceID string) (*ReverseResult, error) {
	if actorRef == "" {
		return nil, errors.New("actor_ref is required")
	}
	if referenceID == "" {
		return nil, errors.New("reference_id is required")
	}

	orig, err := m.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.Kind == domain.KindReverse {
		return nil, fmt.Errorf("entry %s is itself a reversal: %w", entryID, domain.ErrNotReversible)
	}

	switch {
	case orig.Kind == domain.KindConsume:
		return m.reverseConsume(ctx, orig, actorRef, referenceID)
	case orig.CounterpartyPoolID == "":
		return m.reverseFunding(ctx, orig, actorRef, referenceID)
	default:
		return m.reverseAllocation(ctx, orig, actorRef, referenceID)
	}
}

// reverseConsume restores spent capacity on a leaf pool.
func (m *Manager) reverseConsume(ctx context.Context, orig *domain.LedgerEntry, actorRef, referenceID string) (*ReverseResult, error) {
	amount := -orig.Delta

	release := m.locks.acquire(orig.PoolID)
	defer release()

	if res, err := m.replayReverse(ctx, orig.PoolID, orig.ID, referenceID); err != nil || res != nil {
		return res, err
	}

	pool, err := m.store.GetPool(ctx, orig.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == domain.PoolFrozen {
		return nil, m.countFailure(fmt.Errorf("pool %s: %w", pool.ID, domain.ErrPoolFrozen))
	}

	after := pool.Balance()
	after.Consumed -= amount
	entry := domain.LedgerEntry{
		ID:           uuid.NewString(),
		PoolID:       pool.ID,
		Delta:        amount,
		BalanceAfter: after.Available(),
		Kind:         domain.KindReverse,
		ActorRef:     actorRef,
		ReferenceID:  referenceID,
		CreatedAt:    time.Now(),
	}
	mv := domain.Movement{
		Updates: []domain.PoolUpdate{{PoolID: pool.ID, ConsumedDelta: -amount}},
		Entries: []domain.LedgerEntry{entry},
	}
	return m.commitReverse(ctx, mv, orig.ID, referenceID, entry.ID)
}

// reverseFunding takes back an external credit on the platform root.
func (m *Manager) reverseFunding(ctx context.Context, orig *domain.LedgerEntry, actorRef, referenceID string) (*ReverseResult, error) {
	amount := orig.Delta

	release := m.locks.acquire(orig.PoolID)
	defer release()

	if res, err := m.replayReverse(ctx, orig.PoolID, orig.ID, referenceID); err != nil || res != nil {
		return res, err
	}

	pool, err := m.store.GetPool(ctx, orig.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == domain.PoolFrozen {
		return nil, m.countFailure(fmt.Errorf("pool %s: %w", pool.ID, domain.ErrPoolFrozen))
	}
	if pool.Available() < amount {
		return nil, m.countFailure(&domain.InsufficientFundsError{
			PoolID:    pool.ID,
			Requested: amount,
			Available: pool.Available(),
		})
	}

	after := pool.Balance()
	after.TotalAllocated -= amount
	entry := domain.LedgerEntry{
		ID:           uuid.NewString(),
		PoolID:       pool.ID,
		Delta:        -amount,
		BalanceAfter: after.Available(),
		Kind:         domain.KindReverse,
		ActorRef:     actorRef,
		ReferenceID:  referenceID,
		CreatedAt:    time.Now(),
	}
	mv := domain.Movement{
		Updates: []domain.PoolUpdate{{PoolID: pool.ID, TotalDelta: -amount}},
		Entries: []domain.LedgerEntry{entry},
	}
	return m.commitReverse(ctx, mv, orig.ID, referenceID, entry.ID)
}

// reverseAllocation undoes a parent-to-child grant: the child gives the
// amount back, the parent's distributed total shrinks. The child must still
// hold the capacity uncommitted or the reversal fails with insufficient
// funds on the child side.
func (m *Manager) reverseAllocation(ctx context.Context, orig *domain.LedgerEntry, actorRef, referenceID string) (*ReverseResult, error) {
	parentID, childID := orig.PoolID, orig.CounterpartyPoolID
	amount := -orig.Delta
	if orig.Delta > 0 {
		parentID, childID = orig.CounterpartyPoolID, orig.PoolID
		amount = orig.Delta
	}

	release := m.locks.acquire(parentID, childID)
	defer release()

	if res, err := m.replayReverse(ctx, childID, orig.ID, referenceID); err != nil || res != nil {
		return res, err
	}

	parent, err := m.store.GetPool(ctx, parentID)
	if err != nil {
		return nil, err
	}
	child, err := m.store.GetPool(ctx, childID)
	if err != nil {
		return nil, err
	}
	if parent.Status == domain.PoolFrozen {
		return nil, m.countFailure(fmt.Errorf("pool %s: %w", parentID, domain.ErrPoolFrozen))
	}
	if child.Status == domain.PoolFrozen {
		return nil, m.countFailure(fmt.Errorf("pool %s: %w", childID, domain.ErrPoolFrozen))
	}
	if child.Available() < amount {
		return nil, m.countFailure(&domain.InsufficientFundsError{
			PoolID:    childID,
			Requested: amount,
			Available: child.Available(),
		})
	}

	now := time.Now()
	childAfter := child.Balance()
	childAfter.TotalAllocated -= amount
	parentAfter := parent.Balance()
	parentAfter.Distributed -= amount

	debit := domain.LedgerEntry{
		ID:                 uuid.NewString(),
		PoolID:             childID,
		CounterpartyPoolID: parentID,
		Delta:              -amount,
		BalanceAfter:       childAfter.Available(),
		Kind:               domain.KindReverse,
		ActorRef:           actorRef,
		ReferenceID:        referenceID,
		CreatedAt:          now,
	}
	credit := domain.LedgerEntry{
		ID:                 uuid.NewString(),
		PoolID:             parentID,
		CounterpartyPoolID: childID,
		Delta:              amount,
		BalanceAfter:       parentAfter.Available(),
		Kind:               domain.KindReverse,
		ActorRef:           actorRef,
		ReferenceID:        referenceID,
		CreatedAt:          now,
	}
	mv := domain.Movement{
		Updates: []domain.PoolUpdate{
			{PoolID: childID, TotalDelta: -amount},
			{PoolID: parentID, DistributedDelta: -amount},
		},
		Entries: []domain.LedgerEntry{debit, credit},
	}
	return m.commitReverse(ctx, mv, orig.ID, referenceID, debit.ID, credit.ID)
}

func (m *Manager) commitReverse(ctx context.Context, mv domain.Movement, origID, referenceID string, entryIDs ...string) (*ReverseResult, error) {
	if err := m.store.Commit(ctx, mv); err != nil {
		if errors.Is(err, domain.ErrDuplicateReference) {
			if res, rerr := m.replayReverse(ctx, mv.Entries[0].PoolID, origID, referenceID); rerr != nil || res != nil {
				return res, rerr
			}
		}
		return nil, m.countFailure(err)
	}
	observability.LedgerEntriesTotal.WithLabelValues(string(domain.KindReverse)).Add(float64(len(entryIDs)))
	return &ReverseResult{
		ReversedEntryID: origID,
		ReferenceID:     referenceID,
		EntryIDs:        entryIDs,
	}, nil
}

func (m *Manager) replayReverse(ctx context.Context, poolID, origID, referenceID string) (*ReverseResult, error) {
	entries, err := m.store.EntriesByReference(ctx, poolID, referenceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if entries[0].Kind != domain.KindReverse {
		return nil, fmt.Errorf("reference %s already used for %s: %w",
			referenceID, entries[0].Kind, domain.ErrDuplicateReference)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	// An allocation reversal writes to both pools; collect the
	// counterparty's side too.
	if cp := entries[0].CounterpartyPoolID; cp != "" {
		peers, err := m.store.EntriesByReference(ctx, cp, referenceID)
		if err != nil {
			return nil, err
		}
		for _, e := range peers {
			ids = append(ids, e.ID)
		}
	}
	observability.ReplaysTotal.Inc()
	return &ReverseResult{
		ReversedEntryID: origID,
		ReferenceID:     referenceID,
		EntryIDs:        ids,
		Replayed:        true,
	}, nil
}

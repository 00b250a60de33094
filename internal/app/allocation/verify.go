package allocation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zuber2301/sparknode-sub002/internal/domain"
	"github.com/zuber2301/sparknode-sub002/internal/infra/observability"
)

// ─── Ledger Integrity ───────────────────────────────────────────────────────
// The ledger is the single source of truth; cached pool balances are a
// derived cache of ledger sums. Divergence is a fatal integrity error: the
// affected pool is frozen so no further writes can compound the damage, and
// the error is escalated, never swallowed.

// VerifyPool checks one pool's cached balance against a full ledger
// reconstruction. On divergence the pool is frozen and an *IntegrityError
// is returned.
func (m *Manager) VerifyPool(ctx context.Context, poolID string) error {
	release := m.locks.acquire(poolID)
	defer release()

	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	ledger, err := m.store.ReconstructBalance(ctx, poolID)
	if err != nil {
		return err
	}
	if ledger != pool.Balance() {
		observability.IntegrityFailures.Inc()
		log.Printf("[ledger] INTEGRITY VIOLATION pool=%s cached=%+v ledger=%+v — freezing pool",
			poolID, pool.Balance(), ledger)
		if frz := m.store.SetPoolStatus(ctx, poolID, domain.PoolFrozen); frz != nil {
			log.Printf("[ledger] freeze pool %s after integrity violation: %v", poolID, frz)
		}
		return &domain.IntegrityError{PoolID: poolID, Cached: pool.Balance(), Ledger: ledger}
	}
	return pool.CheckConservation()
}

// VerifyAll sweeps every pool. It returns the number of pools checked and
// the joined errors of every divergent pool; one bad pool does not stop the
// sweep.
func (m *Manager) VerifyAll(ctx context.Context) (int, error) {
	pools, err := m.store.ListPools(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, p := range pools {
		if err := m.VerifyPool(ctx, p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	observability.VerificationsTotal.Inc()
	return len(pools), errors.Join(errs...)
}

// RebuildBalances reconstructs every pool's cached balance from the ledger
// and clears reservations leaked by a crash mid-allocation. Used on startup
// recovery; the ledger itself is never touched.
func (m *Manager) RebuildBalances(ctx context.Context) (int, error) {
	pools, err := m.store.ListPools(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pools {
		release := m.locks.acquire(p.ID)
		b, err := m.store.ReconstructBalance(ctx, p.ID)
		if err == nil {
			err = m.store.ResetBalances(ctx, p.ID, b)
		}
		release()
		if err != nil {
			return 0, fmt.Errorf("rebuild pool %s: %w", p.ID, err)
		}
	}
	return len(pools), nil
}

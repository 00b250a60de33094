package allocation

import (
	"context"
	"errors"
	"testing"

	"github.com/zuber2301/sparknode-sub002/internal/domain"
)

func TestVerifyPoolHealthy(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 4000)

	for _, id := range []string{root.PoolID, tenant.PoolID} {
		if err := m.VerifyPool(context.Background(), id); err != nil {
			t.Errorf("VerifyPool(%s): %v", id, err)
		}
	}
}

func TestVerifyPoolDetectsDivergenceAndFreezes(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	root := mustFund(t, m, 10_000)

	// Corrupt the cached balance behind the ledger's back.
	if err := db.ResetBalances(ctx, root.PoolID, domain.LedgerBalance{
		TotalAllocated: 10_000, Consumed: 123,
	}); err != nil {
		t.Fatal(err)
	}

	err := m.VerifyPool(ctx, root.PoolID)
	var ie *domain.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
	if ie.Cached.Consumed != 123 || ie.Ledger.Consumed != 0 {
		t.Errorf("divergence report = %+v", ie)
	}

	// The pool must now be frozen so no writes can compound the damage.
	p, _ := db.GetPool(ctx, root.PoolID)
	if p.Status != domain.PoolFrozen {
		t.Errorf("status = %s after divergence, want FROZEN", p.Status)
	}
}

func TestVerifyAllContinuesPastBadPools(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 4000)

	if err := db.ResetBalances(ctx, tenant.PoolID, domain.LedgerBalance{
		TotalAllocated: 9999,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := m.VerifyAll(ctx)
	if n != 2 {
		t.Errorf("pools checked = %d, want 2", n)
	}
	if !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Errorf("err = %v, want a joined ErrIntegrityViolation", err)
	}
}

func TestRebuildBalancesRecoversFromCorruption(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 4000)

	if err := db.ResetBalances(ctx, tenant.PoolID, domain.LedgerBalance{}); err != nil {
		t.Fatal(err)
	}

	n, err := m.RebuildBalances(ctx)
	if err != nil {
		t.Fatalf("RebuildBalances: %v", err)
	}
	if n != 2 {
		t.Errorf("pools rebuilt = %d, want 2", n)
	}

	if b := poolBalance(t, db, tenant.PoolID); b.TotalAllocated != 4000 {
		t.Errorf("tenant rebuilt balance = %+v", b)
	}
	if b := poolBalance(t, db, root.PoolID); b.Distributed != 4000 {
		t.Errorf("root rebuilt balance = %+v", b)
	}

	// Everything verifies clean after the rebuild.
	if _, err := m.VerifyAll(ctx); err != nil {
		t.Errorf("VerifyAll after rebuild: %v", err)
	}
}

func TestRebuildBalancesClearsLeakedReservation(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	root := mustFund(t, m, 10_000)

	// Simulate a crash between reserve and commit.
	if err := db.Reserve(ctx, root.PoolID, 3000); err != nil {
		t.Fatal(err)
	}

	if _, err := m.RebuildBalances(ctx); err != nil {
		t.Fatalf("RebuildBalances: %v", err)
	}
	p, _ := db.GetPool(ctx, root.PoolID)
	if p.Reserved != 0 || p.Available() != 10_000 {
		t.Errorf("after rebuild: reserved=%d available=%d", p.Reserved, p.Available())
	}
}

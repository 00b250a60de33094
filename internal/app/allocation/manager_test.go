package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/zuber2301/sparknode-sub002/internal/domain"
	"github.com/zuber2301/sparknode-sub002/internal/infra/sqlite"
)

func newTestManager(t *testing.T) (*Manager, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func mustFund(t *testing.T, m *Manager, amount int64) *AllocationResult {
	t.Helper()
	res, err := m.FundPlatform(context.Background(), amount, "treasury", uuid.NewString())
	if err != nil {
		t.Fatalf("fund platform: %v", err)
	}
	return res
}

func mustAllocate(t *testing.T, m *Manager, parentID, owner string, tier domain.Tier, amount int64) *AllocationResult {
	t.Helper()
	res, err := m.Allocate(context.Background(), AllocateRequest{
		ParentPoolID:  parentID,
		ChildOwnerRef: owner,
		ChildTier:     tier,
		Amount:        amount,
		ActorRef:      "test",
		ReferenceID:   uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("allocate %d to %s: %v", amount, owner, err)
	}
	return res
}

func poolBalance(t *testing.T, db *sqlite.DB, poolID string) domain.LedgerBalance {
	t.Helper()
	p, err := db.GetPool(context.Background(), poolID)
	if err != nil {
		t.Fatalf("get pool %s: %v", poolID, err)
	}
	return p.Balance()
}

// ─── Funding ────────────────────────────────────────────────────────────────

func TestFundPlatformCreatesRoot(t *testing.T) {
	m, db := newTestManager(t)

	res := mustFund(t, m, 1_000_000)
	if res.Kind != domain.KindAllocate {
		t.Errorf("first funding kind = %s, want ALLOCATE", res.Kind)
	}
	if res.Balance.TotalAllocated != 1_000_000 {
		t.Errorf("TotalAllocated = %d, want 1000000", res.Balance.TotalAllocated)
	}

	// A second funding tops up the existing root instead of creating another.
	res2 := mustFund(t, m, 500_000)
	if res2.Kind != domain.KindTopUp {
		t.Errorf("second funding kind = %s, want TOPUP", res2.Kind)
	}
	if res2.PoolID != res.PoolID {
		t.Error("second funding should reuse the root pool")
	}
	if b := poolBalance(t, db, res.PoolID); b.TotalAllocated != 1_500_000 {
		t.Errorf("root total = %d, want 1500000", b.TotalAllocated)
	}
}

func TestFundPlatformIdempotent(t *testing.T) {
	m, db := newTestManager(t)
	mustFund(t, m, 100)

	ref := uuid.NewString()
	first, err := m.FundPlatform(context.Background(), 500, "treasury", ref)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	second, err := m.FundPlatform(context.Background(), 500, "treasury", ref)
	if err != nil {
		t.Fatalf("replay fund: %v", err)
	}
	if !second.Replayed {
		t.Error("second submit should be marked replayed")
	}
	if second.CreditEntryID != first.CreditEntryID {
		t.Error("replay should return the original entry")
	}
	if b := poolBalance(t, db, first.PoolID); b.TotalAllocated != 600 {
		t.Errorf("root total = %d, want 600 (no double credit)", b.TotalAllocated)
	}
}

// ─── Allocation Chain ───────────────────────────────────────────────────────

func TestAllocationChain(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 1_000_000)

	tenant := mustAllocate(t, m, root.PoolID, "tenant-acme", domain.TierTenant, 250_000)
	dept := mustAllocate(t, m, tenant.PoolID, "dept-eng", domain.TierDepartment, 100_000)
	emp := mustAllocate(t, m, dept.PoolID, "emp-7", domain.TierEmployee, 5_000)

	if b := poolBalance(t, db, root.PoolID); b.Distributed != 250_000 || b.Available() != 750_000 {
		t.Errorf("root balance = %+v", b)
	}
	if b := poolBalance(t, db, tenant.PoolID); b.TotalAllocated != 250_000 || b.Distributed != 100_000 {
		t.Errorf("tenant balance = %+v", b)
	}
	if b := poolBalance(t, db, dept.PoolID); b.TotalAllocated != 100_000 || b.Distributed != 5_000 {
		t.Errorf("department balance = %+v", b)
	}
	if b := poolBalance(t, db, emp.PoolID); b.TotalAllocated != 5_000 || b.Available() != 5_000 {
		t.Errorf("employee balance = %+v", b)
	}

	// Both sides of each movement carry the same reference.
	entries, err := db.EntriesByReference(context.Background(), tenant.PoolID, tenant.ReferenceID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("credit entries = %d (%v), want 1", len(entries), err)
	}
	if entries[0].CounterpartyPoolID != root.PoolID {
		t.Errorf("credit counterparty = %q, want root", entries[0].CounterpartyPoolID)
	}
}

func TestAllocateInsufficientFunds(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustFund(t, m, 1000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 1000)

	// Root is fully distributed: any further grant must fail with the
	// current availability attached.
	_, err := m.Allocate(context.Background(), AllocateRequest{
		ParentPoolID:  root.PoolID,
		ChildOwnerRef: "tenant-b",
		ChildTier:     domain.TierTenant,
		Amount:        1,
		ActorRef:      "test",
		ReferenceID:   uuid.NewString(),
	})
	var ife *domain.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if ife.Available != 0 {
		t.Errorf("Available = %d, want 0", ife.Available)
	}

	// The tenant's own capacity is unaffected.
	_ = mustAllocate(t, m, tenant.PoolID, "dept-a", domain.TierDepartment, 400)
}

func TestAllocateTopUpReusesPool(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 10_000)

	first := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 3000)
	if first.Kind != domain.KindAllocate {
		t.Errorf("first grant kind = %s, want ALLOCATE", first.Kind)
	}

	second := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 2000)
	if second.Kind != domain.KindTopUp {
		t.Errorf("second grant kind = %s, want TOPUP", second.Kind)
	}
	if second.PoolID != first.PoolID {
		t.Error("top-up should land on the existing pool")
	}

	pools, _ := db.ListPools(context.Background())
	if len(pools) != 2 { // root + one tenant
		t.Errorf("pool count = %d, want 2", len(pools))
	}
	if b := poolBalance(t, db, first.PoolID); b.TotalAllocated != 5000 {
		t.Errorf("tenant total = %d, want 5000", b.TotalAllocated)
	}
}

func TestAllocateTierOrdering(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 5000)
	dept := mustAllocate(t, m, tenant.PoolID, "dept-a", domain.TierDepartment, 2000)
	emp := mustAllocate(t, m, dept.PoolID, "emp-1", domain.TierEmployee, 500)

	tests := []struct {
		name     string
		parentID string
		tier     domain.Tier
	}{
		{"platform skips to department", root.PoolID, domain.TierDepartment},
		{"platform skips to employee", root.PoolID, domain.TierEmployee},
		{"tenant skips to employee", tenant.PoolID, domain.TierEmployee},
		{"department to tenant inverts", dept.PoolID, domain.TierTenant},
		{"employee has no children", emp.PoolID, domain.TierEmployee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Allocate(context.Background(), AllocateRequest{
				ParentPoolID:  tt.parentID,
				ChildOwnerRef: "someone",
				ChildTier:     tt.tier,
				Amount:        10,
				ActorRef:      "test",
				ReferenceID:   uuid.NewString(),
			})
			if !errors.Is(err, domain.ErrInvalidTierTransition) {
				t.Errorf("err = %v, want ErrInvalidTierTransition", err)
			}
		})
	}
}

func TestAllocateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustFund(t, m, 1000)

	for _, amount := range []int64{0, -50} {
		_, err := m.Allocate(context.Background(), AllocateRequest{
			ParentPoolID:  root.PoolID,
			ChildOwnerRef: "tenant-a",
			ChildTier:     domain.TierTenant,
			Amount:        amount,
			ActorRef:      "test",
			ReferenceID:   uuid.NewString(),
		})
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("amount %d: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestAllocateIdempotent(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 10_000)

	ref := uuid.NewString()
	req := AllocateRequest{
		ParentPoolID:  root.PoolID,
		ChildOwnerRef: "tenant-a",
		ChildTier:     domain.TierTenant,
		Amount:        4000,
		ActorRef:      "test",
		ReferenceID:   ref,
	}
	first, err := m.Allocate(context.Background(), req)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := m.Allocate(context.Background(), req)
	if err != nil {
		t.Fatalf("replay allocate: %v", err)
	}

	if !second.Replayed {
		t.Error("second submit should be marked replayed")
	}
	if second.PoolID != first.PoolID || second.Amount != first.Amount {
		t.Errorf("replay result %+v differs from original %+v", second, first)
	}
	if second.DebitEntryID != first.DebitEntryID || second.CreditEntryID != first.CreditEntryID {
		t.Error("replay should surface the original entry ids")
	}
	if b := poolBalance(t, db, root.PoolID); b.Distributed != 4000 {
		t.Errorf("root distributed = %d, want 4000 (no double debit)", b.Distributed)
	}
}

func TestReferenceReuseAcrossKinds(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 5000)
	dept := mustAllocate(t, m, tenant.PoolID, "dept-a", domain.TierDepartment, 2000)
	emp := mustAllocate(t, m, dept.PoolID, "emp-1", domain.TierEmployee, 1000)

	ref := uuid.NewString()
	if _, err := m.Consume(context.Background(), emp.PoolID, 100, "emp-1", ref); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// The same reference on the same pool for a different operation is a
	// conflict, not a replay.
	_, err := m.Allocate(context.Background(), AllocateRequest{
		ParentPoolID:  dept.PoolID,
		ChildOwnerRef: "emp-1",
		ChildTier:     domain.TierEmployee,
		Amount:        100,
		ActorRef:      "test",
		ReferenceID:   ref,
	})
	if !errors.Is(err, domain.ErrDuplicateReference) {
		t.Errorf("err = %v, want ErrDuplicateReference", err)
	}
}

// ─── Consumption ────────────────────────────────────────────────────────────

func TestConsume(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 5000)
	dept := mustAllocate(t, m, tenant.PoolID, "dept-a", domain.TierDepartment, 2000)
	emp := mustAllocate(t, m, dept.PoolID, "emp-1", domain.TierEmployee, 1000)

	res, err := m.Consume(context.Background(), emp.PoolID, 300, "emp-1", uuid.NewString())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Balance.Consumed != 300 || res.Balance.Available() != 700 {
		t.Errorf("balance after consume = %+v", res.Balance)
	}

	// Over-spend is rejected with availability attached.
	_, err = m.Consume(context.Background(), emp.PoolID, 800, "emp-1", uuid.NewString())
	var ife *domain.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if ife.Available != 700 {
		t.Errorf("Available = %d, want 700", ife.Available)
	}

	if b := poolBalance(t, db, emp.PoolID); b.Consumed != 300 {
		t.Errorf("consumed = %d after rejected spend, want 300", b.Consumed)
	}
}

func TestConsumeLeafOnly(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 5000)

	for _, poolID := range []string{root.PoolID, tenant.PoolID} {
		_, err := m.Consume(context.Background(), poolID, 10, "someone", uuid.NewString())
		if !errors.Is(err, domain.ErrInvalidTierTransition) {
			t.Errorf("consume on non-leaf pool: err = %v, want ErrInvalidTierTransition", err)
		}
	}
}

func TestConsumeIdempotent(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 5000)
	dept := mustAllocate(t, m, tenant.PoolID, "dept-a", domain.TierDepartment, 2000)
	emp := mustAllocate(t, m, dept.PoolID, "emp-1", domain.TierEmployee, 1000)

	ref := uuid.NewString()
	first, err := m.Consume(context.Background(), emp.PoolID, 250, "emp-1", ref)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	second, err := m.Consume(context.Background(), emp.PoolID, 250, "emp-1", ref)
	if err != nil {
		t.Fatalf("replay consume: %v", err)
	}
	if !second.Replayed || second.EntryID != first.EntryID {
		t.Errorf("replay = %+v, want original entry %s", second, first.EntryID)
	}
	if b := poolBalance(t, db, emp.PoolID); b.Consumed != 250 {
		t.Errorf("consumed = %d, want 250 (no double spend)", b.Consumed)
	}
}

// ─── Frozen Pools ───────────────────────────────────────────────────────────

func TestFrozenPoolRejectsWrites(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 5000)
	dept := mustAllocate(t, m, tenant.PoolID, "dept-a", domain.TierDepartment, 2000)
	emp := mustAllocate(t, m, dept.PoolID, "emp-1", domain.TierEmployee, 1000)

	if err := m.SetStatus(ctx, emp.PoolID, domain.PoolFrozen); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if _, err := m.Consume(ctx, emp.PoolID, 10, "emp-1", uuid.NewString()); !errors.Is(err, domain.ErrPoolFrozen) {
		t.Errorf("consume on frozen pool: err = %v, want ErrPoolFrozen", err)
	}
	_, err := m.Allocate(ctx, AllocateRequest{
		ParentPoolID:  dept.PoolID,
		ChildOwnerRef: "emp-1",
		ChildTier:     domain.TierEmployee,
		Amount:        10,
		ActorRef:      "test",
		ReferenceID:   uuid.NewString(),
	})
	if !errors.Is(err, domain.ErrPoolFrozen) {
		t.Errorf("top-up on frozen pool: err = %v, want ErrPoolFrozen", err)
	}

	// Reads still work, and thawing restores writes.
	if _, err := m.Summary(ctx, emp.PoolID); err != nil {
		t.Errorf("summary of frozen pool: %v", err)
	}
	if err := m.SetStatus(ctx, emp.PoolID, domain.PoolActive); err != nil {
		t.Fatalf("thaw: %v", err)
	}
	if _, err := m.Consume(ctx, emp.PoolID, 10, "emp-1", uuid.NewString()); err != nil {
		t.Errorf("consume after thaw: %v", err)
	}
}

// ─── Atomicity ──────────────────────────────────────────────────────────────

// failingStore wraps a real store and fails every Commit, simulating a
// crash between reservation and ledger append.
type failingStore struct {
	domain.Store
	mu      sync.Mutex
	commits int
}

func (f *failingStore) Commit(ctx context.Context, mv domain.Movement) error {
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	return errors.New("injected commit failure")
}

func TestAllocateFailureLeavesParentUnchanged(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 10_000)

	broken := New(&failingStore{Store: db})
	_, err := broken.Allocate(context.Background(), AllocateRequest{
		ParentPoolID:  root.PoolID,
		ChildOwnerRef: "tenant-a",
		ChildTier:     domain.TierTenant,
		Amount:        4000,
		ActorRef:      "test",
		ReferenceID:   uuid.NewString(),
	})
	if err == nil {
		t.Fatal("allocate should surface the commit failure")
	}

	// The reservation must have been released: balances identical and the
	// full capacity allocatable again.
	p, _ := db.GetPool(context.Background(), root.PoolID)
	if p.Distributed != 0 || p.Available() != 10_000 {
		t.Errorf("root after failed allocate: distributed=%d available=%d", p.Distributed, p.Available())
	}
	if _, err := m.Allocate(context.Background(), AllocateRequest{
		ParentPoolID:  root.PoolID,
		ChildOwnerRef: "tenant-a",
		ChildTier:     domain.TierTenant,
		Amount:        10_000,
		ActorRef:      "test",
		ReferenceID:   uuid.NewString(),
	}); err != nil {
		t.Errorf("full-capacity allocate after rollback: %v", err)
	}

	entries, _ := db.EntriesFor(context.Background(), root.PoolID, 0, 0)
	for _, e := range entries {
		if e.ReferenceID == "" {
			t.Error("partial movement leaked into the ledger")
		}
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestConcurrentConsumeNeverOverspends(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 10_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 5000)
	dept := mustAllocate(t, m, tenant.PoolID, "dept-a", domain.TierDepartment, 2000)
	emp := mustAllocate(t, m, dept.PoolID, "emp-1", domain.TierEmployee, 10)

	const workers = 25
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Consume(context.Background(), emp.PoolID, 1, "emp-1",
				fmt.Sprintf("spend-%d", i))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientFunds):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 10 || rejected != 15 {
		t.Errorf("ok=%d rejected=%d, want 10/15", ok, rejected)
	}
	if b := poolBalance(t, db, emp.PoolID); b.Consumed != 10 || b.Available() != 0 {
		t.Errorf("final balance = %+v", b)
	}
}

func TestConcurrentAllocationsRespectCapacity(t *testing.T) {
	m, db := newTestManager(t)
	root := mustFund(t, m, 100_000)
	tenant := mustAllocate(t, m, root.PoolID, "tenant-a", domain.TierTenant, 10)

	const workers = 25
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Allocate(context.Background(), AllocateRequest{
				ParentPoolID:  tenant.PoolID,
				ChildOwnerRef: fmt.Sprintf("dept-%d", i),
				ChildTier:     domain.TierDepartment,
				Amount:        1,
				ActorRef:      "test",
				ReferenceID:   uuid.NewString(),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 10 {
		t.Errorf("successful allocations = %d, want 10", ok)
	}
	if b := poolBalance(t, db, tenant.PoolID); b.Distributed != 10 {
		t.Errorf("tenant distributed = %d, want 10", b.Distributed)
	}
}

package domain

import (
	"fmt"
	"time"
)

// ─── Ledger Types ───────────────────────────────────────────────────────────

// EntryKind is the business reason for a ledger entry.
type EntryKind string

const (
	KindAllocate EntryKind = "ALLOCATE" // first grant creating a child pool
	KindTopUp    EntryKind = "TOPUP"    // additional grant to an existing pool
	KindConsume  EntryKind = "CONSUME"  // terminal spend at the leaf tier
	KindReverse  EntryKind = "REVERSE"  // compensating entry for a correction
)

// ParseEntryKind validates a stored kind value.
func ParseEntryKind(s string) (EntryKind, error) {
	switch EntryKind(s) {
	case KindAllocate, KindTopUp, KindConsume, KindReverse:
		return EntryKind(s), nil
	default:
		return "", fmt.Errorf("unknown entry kind %q", s)
	}
}

// LedgerEntry is one immutable, signed balance-change fact. Entries are
// write-once: no update or delete operation exists anywhere in the engine.
//
// Seq is assigned by the store in creation order and is the cursor for
// restartable reads. BalanceAfter snapshots the pool's available balance
// (total - distributed - consumed) after the movement; it is the system of
// record, never recomputed.
type LedgerEntry struct {
	ID                 string    `json:"id"`
	Seq                int64     `json:"seq"`
	PoolID             string    `json:"pool_id"`
	CounterpartyPoolID string    `json:"counterparty_pool_id,omitempty"` // empty for external funding or terminal consumption
	Delta              int64     `json:"delta"`                          // negative = debit, positive = credit
	BalanceAfter       int64     `json:"balance_after"`
	Kind               EntryKind `json:"kind"`
	ActorRef           string    `json:"actor_ref"`
	ReferenceID        string    `json:"reference_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// ─── Ledger Balance ─────────────────────────────────────────────────────────

// LedgerBalance is the balance triple reconstructible from a pool's ledger.
type LedgerBalance struct {
	TotalAllocated int64 `json:"total_allocated"`
	Distributed    int64 `json:"distributed"`
	Consumed       int64 `json:"consumed"`
}

// Available returns the uncommitted remainder of the balance.
func (b LedgerBalance) Available() int64 {
	return b.TotalAllocated - b.Distributed - b.Consumed
}

// Apply folds one ledger entry into the running balance. The mapping from
// (kind, sign, counterparty) to balance field is the single definition of
// what a ledger entry means; reconstruction and integrity checks both use it.
//
//	ALLOCATE/TOPUP credit  → total_allocated rises (inbound grant)
//	ALLOCATE/TOPUP debit   → distributed rises     (outbound grant)
//	CONSUME debit          → consumed rises        (terminal spend)
//	REVERSE debit          → total_allocated falls (grant taken back)
//	REVERSE credit, counterparty set   → distributed falls (outbound grant undone)
//	REVERSE credit, counterparty empty → consumed falls    (spend undone)
func (b *LedgerBalance) Apply(e LedgerEntry) error {
	switch {
	case (e.Kind == KindAllocate || e.Kind == KindTopUp) && e.Delta > 0:
		b.TotalAllocated += e.Delta
	case (e.Kind == KindAllocate || e.Kind == KindTopUp) && e.Delta < 0:
		b.Distributed += -e.Delta
	case e.Kind == KindConsume && e.Delta < 0:
		b.Consumed += -e.Delta
	case e.Kind == KindReverse && e.Delta < 0:
		b.TotalAllocated += e.Delta
	case e.Kind == KindReverse && e.Delta > 0 && e.CounterpartyPoolID != "":
		b.Distributed -= e.Delta
	case e.Kind == KindReverse && e.Delta > 0 && e.CounterpartyPoolID == "":
		b.Consumed -= e.Delta
	default:
		return fmt.Errorf("ledger entry %s: unreconstructible kind/sign %s/%+d: %w",
			e.ID, e.Kind, e.Delta, ErrIntegrityViolation)
	}
	return nil
}

// ReconstructBalance folds an ordered entry sequence into a balance triple.
func ReconstructBalance(entries []LedgerEntry) (LedgerBalance, error) {
	var b LedgerBalance
	for _, e := range entries {
		if err := b.Apply(e); err != nil {
			return LedgerBalance{}, err
		}
	}
	return b, nil
}

package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Callers classify
// with errors.Is; the richer typed errors below unwrap to these sentinels.

var (
	ErrPoolNotFound  = errors.New("allocation pool not found")
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidTierTransition marks an attempt to skip or invert a tier
	// level. Always a caller bug; never retried.
	ErrInvalidTierTransition = errors.New("invalid tier transition")

	// ErrInvalidAmount marks a zero or negative movement amount.
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPoolFrozen        = errors.New("pool is frozen")

	// ErrDuplicateReference is raised by the ledger store when an append
	// reuses a (pool, reference) pair. The hierarchy manager translates it
	// into an idempotent replay of the original result.
	ErrDuplicateReference = errors.New("duplicate reference id")

	// ErrNotReversible marks an attempt to reverse a REVERSE entry.
	ErrNotReversible = errors.New("entry cannot be reversed")

	// ErrIntegrityViolation is fatal: the reconstructed ledger balance
	// disagrees with the cached pool balance. Writes to the affected pool
	// must halt; there is no local recovery.
	ErrIntegrityViolation = errors.New("ledger integrity violation")
)

// ─── Typed Errors ───────────────────────────────────────────────────────────

// InsufficientFundsError carries the pool's current available balance so the
// caller can present it to a user.
type InsufficientFundsError struct {
	PoolID    string
	Requested int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("pool %s: requested %d, available %d: %v",
		e.PoolID, e.Requested, e.Available, ErrInsufficientFunds)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// IntegrityError reports a divergence between the cached pool balance and
// the balance reconstructed from the ledger.
type IntegrityError struct {
	PoolID string
	Cached LedgerBalance
	Ledger LedgerBalance
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("pool %s: cached %+v disagrees with ledger %+v: %v",
		e.PoolID, e.Cached, e.Ledger, ErrIntegrityViolation)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

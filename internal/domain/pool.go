// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import (
	"fmt"
	"time"
)

// ─── Tier ───────────────────────────────────────────────────────────────────

// Tier is one level of the fixed organizational hierarchy.
// A pool at tier T may only have a parent at tier T-1.
type Tier int

const (
	TierPlatform Tier = iota
	TierTenant
	TierDepartment
	TierEmployee
)

// String returns the canonical tier name used in storage and APIs.
func (t Tier) String() string {
	switch t {
	case TierPlatform:
		return "PLATFORM"
	case TierTenant:
		return "TENANT"
	case TierDepartment:
		return "DEPARTMENT"
	case TierEmployee:
		return "EMPLOYEE"
	default:
		return fmt.Sprintf("TIER(%d)", int(t))
	}
}

// ParseTier converts a stored tier name back to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "PLATFORM":
		return TierPlatform, nil
	case "TENANT":
		return TierTenant, nil
	case "DEPARTMENT":
		return TierDepartment, nil
	case "EMPLOYEE":
		return TierEmployee, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Child returns the tier one level below, and false for the leaf tier.
func (t Tier) Child() (Tier, bool) {
	if t >= TierEmployee {
		return 0, false
	}
	return t + 1, true
}

// Leaf reports whether pools at this tier may consume directly.
func (t Tier) Leaf() bool { return t == TierEmployee }

// MarshalJSON encodes the tier as its canonical name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// ─── Pool Status ────────────────────────────────────────────────────────────

// PoolStatus is the administrative state of a pool.
// FROZEN pools reject all write operations but remain readable.
type PoolStatus string

const (
	PoolActive PoolStatus = "ACTIVE"
	PoolFrozen PoolStatus = "FROZEN"
)

// ParsePoolStatus validates a stored status value.
func ParsePoolStatus(s string) (PoolStatus, error) {
	switch PoolStatus(s) {
	case PoolActive, PoolFrozen:
		return PoolStatus(s), nil
	default:
		return "", fmt.Errorf("unknown pool status %q", s)
	}
}

// ─── Allocation Pool ────────────────────────────────────────────────────────

// AllocationPool is one budget holder at one tier. All amounts are in the
// smallest currency/points unit — never fractional.
//
// The cached balance columns are derived from the ledger and must equal the
// running sum of the pool's ledger entry deltas at all times. Reserved holds
// in-flight two-phase reservations and is not part of the ledger sum.
type AllocationPool struct {
	ID             string     `json:"id"`
	Tier           Tier       `json:"tier"`
	OwnerRef       string     `json:"owner_ref"`
	ParentPoolID   string     `json:"parent_pool_id,omitempty"` // empty only for the platform root
	TotalAllocated int64      `json:"total_allocated"`
	Distributed    int64      `json:"distributed"`
	Consumed       int64      `json:"consumed"`
	Reserved       int64      `json:"-"`
	Status         PoolStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Available returns the committed capacity not yet distributed or consumed.
// In-flight reservations are excluded so concurrent callers cannot see
// capacity that is already promised.
func (p *AllocationPool) Available() int64 {
	return p.TotalAllocated - p.Distributed - p.Consumed - p.Reserved
}

// Balance returns the pool's cached ledger balance triple.
func (p *AllocationPool) Balance() LedgerBalance {
	return LedgerBalance{
		TotalAllocated: p.TotalAllocated,
		Distributed:    p.Distributed,
		Consumed:       p.Consumed,
	}
}

// CheckConservation verifies that no balance field is negative and that
// distributed, consumed, and reserved together never exceed the total.
func (p *AllocationPool) CheckConservation() error {
	if p.TotalAllocated < 0 || p.Distributed < 0 || p.Consumed < 0 || p.Reserved < 0 {
		return fmt.Errorf("pool %s: negative balance field: %w", p.ID, ErrIntegrityViolation)
	}
	if p.Distributed+p.Consumed+p.Reserved > p.TotalAllocated {
		return fmt.Errorf("pool %s: distributed+consumed+reserved exceeds total: %w", p.ID, ErrIntegrityViolation)
	}
	return nil
}

// ─── Pool Summary ───────────────────────────────────────────────────────────

// PoolSummary is the read-only projection consumed by dashboards.
type PoolSummary struct {
	PoolID         string     `json:"pool_id"`
	Tier           Tier       `json:"tier"`
	OwnerRef       string     `json:"owner_ref"`
	Status         PoolStatus `json:"status"`
	TotalAllocated int64      `json:"total_allocated"`
	Distributed    int64      `json:"distributed"`
	Consumed       int64      `json:"consumed"`
	Remaining      int64      `json:"remaining"`
	UtilizationPct float64    `json:"utilization_pct"`
	ChildCount     int        `json:"child_count"`
}

// Summarize builds the projection for a pool with the given child count.
func Summarize(p *AllocationPool, childCount int) PoolSummary {
	used := p.Distributed + p.Consumed
	var pct float64
	if p.TotalAllocated > 0 {
		pct = 100 * float64(used) / float64(p.TotalAllocated)
	}
	return PoolSummary{
		PoolID:         p.ID,
		Tier:           p.Tier,
		OwnerRef:       p.OwnerRef,
		Status:         p.Status,
		TotalAllocated: p.TotalAllocated,
		Distributed:    p.Distributed,
		Consumed:       p.Consumed,
		Remaining:      p.TotalAllocated - used,
		UtilizationPct: pct,
		ChildCount:     childCount,
	}
}

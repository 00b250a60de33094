// Package observability holds the Prometheus metrics for the allocation
// engine. Metrics are package-level promauto vars registered on the default
// registry and served via /metrics when enabled in config.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Allocation Metrics ─────────────────────────────────────────────────────

// AllocationsTotal counts committed budget movements by tier and kind.
var AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sparknode",
	Subsystem: "allocation",
	Name:      "movements_total",
	Help:      "Total committed budget movements by child tier and entry kind.",
}, []string{"tier", "kind"})

// AllocationFailures counts rejected movements by reason.
var AllocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sparknode",
	Subsystem: "allocation",
	Name:      "failures_total",
	Help:      "Total rejected movements by reason (insufficient_funds, frozen, tier, other).",
}, []string{"reason"})

// ReplaysTotal counts idempotent replays served from the ledger.
var ReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sparknode",
	Subsystem: "allocation",
	Name:      "replays_total",
	Help:      "Total duplicate-reference requests answered with the original result.",
})

// ReservationsActive tracks in-flight two-phase reservations.
var ReservationsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sparknode",
	Subsystem: "allocation",
	Name:      "reservations_active",
	Help:      "Number of reservations currently held and not yet confirmed or released.",
})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerEntriesTotal counts entries appended to the ledger.
var LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sparknode",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Total ledger entries appended by kind.",
}, []string{"kind"})

// IntegrityFailures counts detected ledger/cache divergences. Any non-zero
// value is a bug, never expected in correct operation.
var IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sparknode",
	Subsystem: "ledger",
	Name:      "integrity_failures_total",
	Help:      "Total pools whose reconstructed ledger balance disagreed with the cache.",
})

// VerificationsTotal counts completed integrity sweeps.
var VerificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sparknode",
	Subsystem: "ledger",
	Name:      "verifications_total",
	Help:      "Total full-ledger integrity verification passes.",
})

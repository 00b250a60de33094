// Package api provides the HTTP surface of the allocation engine. It is a
// pure adaptation layer: requests are translated into hierarchy manager
// calls and results into the caller's error taxonomy; no business logic
// lives here.
//
// The allocate endpoints are deliberately tier-specific — platform→tenant,
// tenant→department, department→employee — so tier-transition mistakes are
// impossible to express at the boundary.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zuber2301/sparknode-sub002/internal/app/allocation"
	"github.com/zuber2301/sparknode-sub002/internal/domain"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Server is the allocation engine HTTP API server.
type Server struct {
	mgr            *allocation.Manager
	metricsEnabled bool
}

// NewServer creates a new API server around a hierarchy manager.
func NewServer(mgr *allocation.Manager) *Server {
	return &Server{mgr: mgr}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/platform/fund", s.handleFundPlatform)
		r.Post("/tenants/{tenantID}/allocations", s.handleAllocateToTenant)
		r.Post("/tenants/{tenantID}/departments/{departmentID}/allocations", s.handleAllocateToDepartment)
		r.Post("/departments/{departmentID}/employees/{employeeID}/allocations", s.handleAllocateToEmployee)
		r.Post("/employees/{employeeID}/consumption", s.handleConsumePoints)

		r.Post("/ledger/entries/{entryID}/reverse", s.handleReverse)

		r.Get("/pools/{poolID}/summary", s.handleGetPoolSummary)
		r.Get("/pools/{poolID}/ledger", s.handleListLedgerEntries)
		r.Post("/pools/{poolID}/status", s.handleSetPoolStatus)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps engine errors onto the HTTP error taxonomy.
// Duplicate-reference replays never reach here: the manager answers them
// with the original result as a success.
func writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *domain.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": map[string]interface{}{
				"message":   insufficient.Error(),
				"type":      "insufficient_funds",
				"available": insufficient.Available,
			},
		})
	case errors.Is(err, domain.ErrPoolNotFound), errors.Is(err, domain.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTierTransition),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrNotReversible):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrPoolFrozen):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, domain.ErrDuplicateReference):
		// Reference reused for a different operation shape.
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zuber2301/sparknode-sub002/internal/app/allocation"
	"github.com/zuber2301/sparknode-sub002/internal/domain"
)

// movementRequest is the shared body of every balance-changing call.
// Amounts are in the smallest currency/points unit, never fractional.
type movementRequest struct {
	Amount      int64  `json:"amount"`
	ActorRef    string `json:"actor_ref"`
	ReferenceID string `json:"reference_id"`
}

func decodeMovement(w http.ResponseWriter, r *http.Request) (movementRequest, bool) {
	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

// ─── Funding and Allocation ─────────────────────────────────────────────────

// HandleFundPlatform credits the platform root pool from outside the
// hierarchy.
// POST /api/platform/fund
func (s *Server) handleFundPlatform(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMovement(w, r)
	if !ok {
		return
	}
	res, err := s.mgr.FundPlatform(r.Context(), req.Amount, req.ActorRef, req.ReferenceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Replayed), res)
}

// handleAllocateToTenant grants budget from the platform root to a tenant.
// POST /api/tenants/{tenantID}/allocations
func (s *Server) handleAllocateToTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMovement(w, r)
	if !ok {
		return
	}
	root, err := s.mgr.PlatformPool(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.allocate(w, r, allocation.AllocateRequest{
		ParentPoolID:  root.ID,
		ChildOwnerRef: chi.URLParam(r, "tenantID"),
		ChildTier:     domain.TierTenant,
		Amount:        req.Amount,
		ActorRef:      req.ActorRef,
		ReferenceID:   req.ReferenceID,
	})
}

// handleAllocateToDepartment grants budget from a tenant to a department.
// POST /api/tenants/{tenantID}/departments/{departmentID}/allocations
func (s *Server) handleAllocateToDepartment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMovement(w, r)
	if !ok {
		return
	}
	parent, err := s.mgr.PoolByOwner(r.Context(), domain.TierTenant, chi.URLParam(r, "tenantID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.allocate(w, r, allocation.AllocateRequest{
		ParentPoolID:  parent.ID,
		ChildOwnerRef: chi.URLParam(r, "departmentID"),
		ChildTier:     domain.TierDepartment,
		Amount:        req.Amount,
		ActorRef:      req.ActorRef,
		ReferenceID:   req.ReferenceID,
	})
}

// handleAllocateToEmployee grants budget from a department to an employee.
// POST /api/departments/{departmentID}/employees/{employeeID}/allocations
func (s *Server) handleAllocateToEmployee(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMovement(w, r)
	if !ok {
		return
	}
	parent, err := s.mgr.PoolByOwner(r.Context(), domain.TierDepartment, chi.URLParam(r, "departmentID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.allocate(w, r, allocation.AllocateRequest{
		ParentPoolID:  parent.ID,
		ChildOwnerRef: chi.URLParam(r, "employeeID"),
		ChildTier:     domain.TierEmployee,
		Amount:        req.Amount,
		ActorRef:      req.ActorRef,
		ReferenceID:   req.ReferenceID,
	})
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request, req allocation.AllocateRequest) {
	res, err := s.mgr.Allocate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Replayed), res)
}

// statusFor reports 201 for a fresh movement, 200 for an idempotent replay.
func statusFor(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// ─── Consumption and Reversal ───────────────────────────────────────────────

// handleConsumePoints spends from an employee's own pool.
// POST /api/employees/{employeeID}/consumption
func (s *Server) handleConsumePoints(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMovement(w, r)
	if !ok {
		return
	}
	pool, err := s.mgr.PoolByOwner(r.Context(), domain.TierEmployee, chi.URLParam(r, "employeeID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := s.mgr.Consume(r.Context(), pool.ID, req.Amount, req.ActorRef, req.ReferenceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Replayed), res)
}

// handleReverse appends compensating entries for a mistaken movement.
// POST /api/ledger/entries/{entryID}/reverse
func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorRef    string `json:"actor_ref"`
		ReferenceID string `json:"reference_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.mgr.Reverse(r.Context(), chi.URLParam(r, "entryID"), req.ActorRef, req.ReferenceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Replayed), res)
}

// ─── Read Paths ─────────────────────────────────────────────────────────────

// handleGetPoolSummary returns the dashboard projection for one pool.
// GET /api/pools/{poolID}/summary
func (s *Server) handleGetPoolSummary(w http.ResponseWriter, r *http.Request) {
	res, err := s.mgr.Summary(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListLedgerEntries streams a pool's ledger in creation order.
// GET /api/pools/{poolID}/ledger?since=SEQ&limit=N
func (s *Server) handleListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := s.mgr.Entries(r.Context(), chi.URLParam(r, "poolID"), since, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	next := since
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"next_seq": next,
		"count":    len(entries),
	})
}

// handleSetPoolStatus freezes or unfreezes a pool.
// POST /api/pools/{poolID}/status
func (s *Server) handleSetPoolStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	status, err := domain.ParsePoolStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.mgr.SetStatus(r.Context(), chi.URLParam(r, "poolID"), status); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pool_id": chi.URLParam(r, "poolID"), "status": string(status)})
}

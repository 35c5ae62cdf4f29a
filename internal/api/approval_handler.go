package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shaiso/Stagehand/internal/approval"
	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
)

// ListApprovals возвращает запросы на одобрение.
// GET /api/v1/approvals?run_id=...&status=PENDING&limit=...&offset=...
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	if !h.approvalsEnabled(w) {
		return
	}

	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	filter := repo.ApprovalFilter{
		RunID:  r.URL.Query().Get("run_id"),
		Limit:  limit,
		Offset: offset,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := domain.ParseApprovalStatus(status)
		filter.Status = &st
	}

	reqs, err := h.approvals.List(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}
	if reqs == nil {
		reqs = []domain.ApprovalRequest{}
	}

	List(w, reqs, len(reqs))
}

// GetApproval возвращает запрос по ID.
// GET /api/v1/approvals/{id}
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	if !h.approvalsEnabled(w) {
		return
	}

	req, err := h.approvals.Get(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, req)
}

// Approve одобряет результат стадии.
// POST /api/v1/approvals/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// Reject отклоняет результат стадии. Причина обязательна.
// POST /api/v1/approvals/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	if !h.approvalsEnabled(w) {
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Approver == "" {
		BadRequest(w, "approver is required")
		return
	}

	id := r.PathValue("id")
	d := approval.Approve(id, req.Approver)
	if !approved {
		if req.Reason == "" {
			BadRequest(w, "reason is required")
			return
		}
		d = approval.Reject(id, req.Approver, req.Reason)
	}
	d.DecidedAt = time.Now().UTC()

	if HandleError(w, h.logger, h.approvals.Decide(r.Context(), d)) {
		return
	}

	decided, err := h.approvals.Get(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, decided)
}

func (h *Handler) approvalsEnabled(w http.ResponseWriter) bool {
	if h.approvals == nil {
		NotFound(w, "manual approvals are not enabled")
		return false
	}
	return true
}

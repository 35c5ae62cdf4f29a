package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	handle := func(pattern string, fn http.HandlerFunc) {
		chain := Chain(
			RequestID(),
			Recovery(h.logger),
			Logging(h.logger),
			Metrics(h.metrics, pattern),
		)
		mux.Handle(pattern, chain(fn))
	}

	// Runs
	handle("GET /api/v1/runs", h.ListRuns)
	handle("POST /api/v1/runs", h.SubmitRun)
	handle("GET /api/v1/runs/{id}", h.GetRun)
	handle("POST /api/v1/runs/{id}/pause", h.PauseRun)
	handle("POST /api/v1/runs/{id}/resume", h.ResumeRun)
	handle("POST /api/v1/runs/{id}/cancel", h.CancelRun)
	handle("POST /api/v1/runs/{id}/units/{unit}/cancel", h.CancelUnit)

	// Approvals
	handle("GET /api/v1/approvals", h.ListApprovals)
	handle("GET /api/v1/approvals/{id}", h.GetApproval)
	handle("POST /api/v1/approvals/{id}/approve", h.Approve)
	handle("POST /api/v1/approvals/{id}/reject", h.Reject)

	// Pipelines
	handle("GET /api/v1/pipelines", h.ListPipelines)
	handle("POST /api/v1/pipelines/validate", h.ValidatePipeline)
	handle("GET /api/v1/pipelines/{name}", h.GetPipeline)

	// Schedules
	handle("GET /api/v1/schedules", h.ListSchedules)
}

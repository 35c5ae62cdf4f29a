package api

import (
	"net/http"

	"github.com/shaiso/Stagehand/internal/domain"
)

// ListSchedules возвращает расписания pipelines.
// GET /api/v1/schedules?pipeline=...&enabled=...
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if h.schedules == nil {
		List(w, []domain.Schedule{}, 0)
		return
	}

	schedules, err := h.schedules.List(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}

	pipeline := r.URL.Query().Get("pipeline")
	enabled := r.URL.Query().Get("enabled")

	result := make([]domain.Schedule, 0, len(schedules))
	for _, s := range schedules {
		if pipeline != "" && s.Pipeline != pipeline {
			continue
		}
		if enabled != "" && s.Enabled != (enabled == "true") {
			continue
		}
		result = append(result, s)
	}

	List(w, result, len(result))
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/orchestrator"
	"github.com/shaiso/Stagehand/internal/repo"
)

const defaultListLimit = 50

// ListRuns возвращает runs из реестра оркестратора и хранилища снапшотов.
// GET /api/v1/runs?pipeline=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{Pipeline: r.URL.Query().Get("pipeline")}

	if status := r.URL.Query().Get("status"); status != "" {
		st := domain.RunStatus(status)
		filter.Status = &st
	}

	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	seen := make(map[string]bool)
	var runs []domain.Run
	for _, run := range h.orch.Runs() {
		if filter.Match(&run) {
			runs = append(runs, run)
			seen[run.ID] = true
		}
	}

	if h.runs != nil {
		stored, err := h.runs.List(r.Context(), filter)
		if HandleError(w, h.logger, err) {
			return
		}
		for _, run := range stored {
			if !seen[run.ID] {
				runs = append(runs, run)
			}
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	total := len(runs)
	runs = paginate(runs, limit, offset)

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, total)
}

// SubmitRun запускает pipeline.
// POST /api/v1/runs
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Async {
		h.enqueueRun(w, r, req)
		return
	}

	def := req.Definition
	if def == nil {
		if req.Pipeline == "" {
			BadRequest(w, "pipeline or definition is required")
			return
		}
		if h.catalog == nil {
			NotFound(w, "pipeline catalog is not configured")
			return
		}
		var err error
		def, err = h.catalog.Get(req.Pipeline)
		if HandleError(w, h.logger, err) {
			return
		}
	}

	run, err := h.orch.Submit(r.Context(), def, orchestrator.SubmitOptions{
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
	})
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, RunFromDomain(*run))
}

// enqueueRun публикует запрос на запуск в очередь runs.requested.
func (h *Handler) enqueueRun(w http.ResponseWriter, r *http.Request, req SubmitRunRequest) {
	if h.publisher == nil {
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "message queue is not configured")
		return
	}
	if req.Pipeline == "" || req.Definition != nil {
		BadRequest(w, "async runs require a catalog pipeline name")
		return
	}
	if h.catalog != nil {
		if _, err := h.catalog.Get(req.Pipeline); HandleError(w, h.logger, err) {
			return
		}
	}

	err := h.publisher.PublishRunRequest(r.Context(), mq.RunRequest{
		Pipeline:       req.Pipeline,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		RequestedBy:    "api",
	})
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Accepted(w, QueuedRunResponse{
		Pipeline:       req.Pipeline,
		IdempotencyKey: req.IdempotencyKey,
		Queued:         true,
	})
}

// GetRun возвращает статус run.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.GetStatus(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, st)
}

// PauseRun приостанавливает run.
// POST /api/v1/runs/{id}/pause
func (h *Handler) PauseRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.Pause)
}

// ResumeRun снимает паузу.
// POST /api/v1/runs/{id}/resume
func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.Resume)
}

// CancelRun отменяет run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orch.Cancel)
}

// CancelUnit отменяет один unit run.
// POST /api/v1/runs/{id}/units/{unit}/cancel
func (h *Handler) CancelUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if HandleError(w, h.logger, h.orch.CancelUnit(r.Context(), id, r.PathValue("unit"))) {
		return
	}
	h.respondStatus(w, r, id)
}

// control выполняет операцию управления и возвращает актуальный статус.
func (h *Handler) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, runID string) error) {
	id := r.PathValue("id")
	if HandleError(w, h.logger, op(r.Context(), id)) {
		return
	}
	h.respondStatus(w, r, id)
}

func (h *Handler) respondStatus(w http.ResponseWriter, r *http.Request, id string) {
	st, err := h.orch.GetStatus(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, st)
}

// parsePage читает limit/offset. При ошибке отправляет 400 и возвращает false.
func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			BadRequest(w, "invalid limit")
			return 0, 0, false
		}
		limit = n
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			BadRequest(w, "invalid offset")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

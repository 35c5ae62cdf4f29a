package api

import (
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Run DTOs

// SubmitRunRequest — запрос на запуск pipeline.
//
// Pipeline ищется в каталоге, если Definition не передан.
type SubmitRunRequest struct {
	Pipeline       string              `json:"pipeline"`
	Definition     *domain.PipelineDef `json:"definition,omitempty"`
	Inputs         map[string]any      `json:"inputs,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`

	// Async ставит запуск в очередь вместо прямого Submit.
	Async bool `json:"async,omitempty"`
}

// QueuedRunResponse — ответ на асинхронный запуск.
type QueuedRunResponse struct {
	Pipeline       string `json:"pipeline"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Queued         bool   `json:"queued"`
}

// RunResponse — краткое представление run в списках.
type RunResponse struct {
	ID             string           `json:"id"`
	Pipeline       string           `json:"pipeline"`
	Version        string           `json:"version,omitempty"`
	Status         domain.RunStatus `json:"status"`
	FailedUnit     string           `json:"failed_unit,omitempty"`
	Error          string           `json:"error,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:             r.ID,
		Pipeline:       r.Pipeline,
		Version:        r.Version,
		Status:         r.Status,
		FailedUnit:     r.FailedUnit,
		Error:          r.Error,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

// Approval DTOs

// DecisionRequest — решение ревьюера.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// Pipeline DTOs

// PipelineSummary — pipeline в списке каталога.
type PipelineSummary struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Stages      int    `json:"stages"`
}

// PipelineFromDomain конвертирует domain.PipelineDef в PipelineSummary.
func PipelineFromDomain(d *domain.PipelineDef) PipelineSummary {
	return PipelineSummary{
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Schedule:    d.Schedule,
		Stages:      len(d.Stages),
	}
}

// ValidateResponse — результат проверки определения.
type ValidateResponse struct {
	Valid bool     `json:"valid"`
	Name  string   `json:"name,omitempty"`
	Order []string `json:"order,omitempty"`
	Error string   `json:"error,omitempty"`
}

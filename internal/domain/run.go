package domain

import "time"

// Run — один запуск pipeline: граф units, выполняемый оркестратором.
//
// Источники runs: POST /api/v1/runs, CLI, очередь runs.requested
// (scheduler) и Restore незавершённых снапшотов после рестарта.
type Run struct {
	// ID — уникальный идентификатор run.
	ID string `json:"id"`

	// Pipeline — имя выполняемого pipeline.
	Pipeline string `json:"pipeline"`

	// Version — версия определения pipeline.
	Version string `json:"version,omitempty"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Inputs — входные параметры, переданные при запуске.
	Inputs map[string]any `json:"inputs,omitempty"`

	// StartedAt — время начала выполнения (когда статус стал RUNNING).
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// FailedUnit — ID unit, из-за которого run завершился с FAILED.
	FailedUnit string `json:"failed_unit,omitempty"`

	// Error — текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности для scheduled runs:
	// "{pipeline}_{due_unix}"
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает время выполнения run. Для незавершённого run —
// время с момента старта, для ещё не стартовавшего — 0.
func (r *Run) Duration() time.Duration {
	switch {
	case r.StartedAt == nil:
		return 0
	case r.FinishedAt == nil:
		return time.Since(*r.StartedAt)
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true для COMPLETED, FAILED и CANCELLED.
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит run в RUNNING. StartedAt не перезаписывается,
// если run продолжается из снапшота.
func (r *Run) MarkRunning() {
	r.Status = RunStatusRunning
	if r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
}

// MarkCompleted завершает run успешно.
func (r *Run) MarkCompleted() {
	r.finish(RunStatusCompleted)
}

// MarkFailed завершает run с ошибкой unit. Для deadlock unitID пустой.
func (r *Run) MarkFailed(unitID, err string) {
	r.FailedUnit = unitID
	r.Error = err
	r.finish(RunStatusFailed)
}

// MarkCancelled завершает отменённый run.
func (r *Run) MarkCancelled() {
	r.finish(RunStatusCancelled)
}

func (r *Run) finish(status RunStatus) {
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
}

package domain

import (
	"time"
)

// Schedule — расписание автоматического запуска pipeline.
//
// Создаётся scheduler'ом из PipelineDef.Schedule при загрузке определений.
// Scheduler проверяет NextDueAt и публикует запрос на запуск, когда время подошло.
type Schedule struct {
	// Pipeline — имя pipeline, который нужно запускать.
	Pipeline string `json:"pipeline"`

	// CronExpr — cron-выражение.
	// Примеры:
	//   "0 9 * * *"     — каждый день в 9:00
	//   "*/5 * * * *"   — каждые 5 минут
	CronExpr string `json:"cron_expr"`

	// Timezone — часовой пояс для вычисления времени. По умолчанию UTC.
	Timezone string `json:"timezone,omitempty"`

	// Enabled — флаг активности расписания.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastRunKey — idempotency key последнего запроса.
	LastRunKey string `json:"last_run_key,omitempty"`

	// Inputs — входные параметры для каждого запуска.
	Inputs map[string]any `json:"inputs,omitempty"`
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
func (s *Schedule) RecordRun(key string, nextDue time.Time) {
	now := time.Now()
	s.LastRunAt = &now
	s.LastRunKey = key
	s.NextDueAt = &nextDue
}

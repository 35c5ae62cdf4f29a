package domain

import (
	"time"
)

// Unit — единица планирования внутри run (стадия pipeline).
//
// Unit создаётся при создании run из StageDef. Идентичность (ID, Name,
// Dependencies) неизменна; меняются только состояние, счётчики,
// временные метки и ErrorMessage. Изменять их может только
// планировщик run'а.
type Unit struct {
	// ID — уникальный идентификатор в рамках run (совпадает с StageDef.ID).
	ID string `json:"id"`

	// Name — имя стадии.
	Name string `json:"name"`

	// Dependencies — ID units, которые должны быть COMPLETED.
	Dependencies []string `json:"dependencies,omitempty"`

	// State — текущее состояние.
	State UnitState `json:"state"`

	// RetryCount — количество выполненных retry (начиная с 0).
	RetryCount int `json:"retry_count"`

	// MaxRetries — максимальное количество retry (не считая первой попытки).
	MaxRetries int `json:"max_retries"`

	// Timeout — таймаут одной попытки.
	Timeout time.Duration `json:"timeout"`

	// Attempts — количество запусков работы.
	Attempts int `json:"attempts"`

	// StartTime — время последнего входа в RUNNING.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime — время выхода из RUNNING.
	EndTime *time.Time `json:"end_time,omitempty"`

	// ErrorMessage — текст ошибки (только для FAILED, CANCELLED и SKIPPED).
	ErrorMessage string `json:"error_message,omitempty"`

	// NotBefore — unit не станет READY раньше этого времени (backoff).
	NotBefore *time.Time `json:"not_before,omitempty"`

	// Stage — определение стадии.
	Stage *StageDef `json:"-"`
}

// Duration возвращает продолжительность последней попытки.
func (u *Unit) Duration() time.Duration {
	if u.StartTime == nil || u.EndTime == nil {
		return 0
	}
	return u.EndTime.Sub(*u.StartTime)
}

// Eligible проверяет, истёк ли backoff.
func (u *Unit) Eligible(now time.Time) bool {
	return u.NotBefore == nil || !now.Before(*u.NotBefore)
}

// Clone возвращает копию unit для отчётов и снапшотов.
func (u *Unit) Clone() Unit {
	c := *u
	c.Dependencies = append([]string(nil), u.Dependencies...)
	if u.StartTime != nil {
		t := *u.StartTime
		c.StartTime = &t
	}
	if u.EndTime != nil {
		t := *u.EndTime
		c.EndTime = &t
	}
	if u.NotBefore != nil {
		t := *u.NotBefore
		c.NotBefore = &t
	}
	return c
}

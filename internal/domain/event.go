package domain

import "time"

// EventType — тип события жизненного цикла.
type EventType string

const (
	EventRunCreated        EventType = "run.created"
	EventRunStarted        EventType = "run.started"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventRunCancelled      EventType = "run.cancelled"
	EventRunPaused         EventType = "run.paused"
	EventRunResumed        EventType = "run.resumed"
	EventUnitStarted       EventType = "unit.started"
	EventUnitCompleted     EventType = "unit.completed"
	EventUnitFailed        EventType = "unit.failed"
	EventUnitRetrying      EventType = "unit.retrying"
	EventUnitSkipped       EventType = "unit.skipped"
	EventUnitCancelled     EventType = "unit.cancelled"
	EventApprovalRequested EventType = "approval.requested"
)

// Event — событие run или unit для внешних подписчиков.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline,omitempty"`
	UnitID    string         `json:"unit_id,omitempty"`
	State     string         `json:"state,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

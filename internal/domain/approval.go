package domain

import (
	"time"
)

// ApprovalRequest — запрос на одобрение результата стадии.
//
// Жизненный цикл:
//
//	PENDING → APPROVED
//	        ↘ REJECTED
type ApprovalRequest struct {
	// ID — идентификатор запроса (выдаётся провайдером).
	ID string `json:"id"`

	RunID    string `json:"run_id"`
	UnitID   string `json:"unit_id"`
	UnitName string `json:"unit_name,omitempty"`

	// Payload — outputs стадии, прошедшие quality gate.
	Payload map[string]any `json:"payload,omitempty"`

	// Validation — результат quality gate для ревьюеров.
	Validation *ValidationResult `json:"validation,omitempty"`

	Reviewers []string `json:"reviewers,omitempty"`

	Status ApprovalStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`

	// Decision — решение (nil, пока PENDING).
	Decision *ApprovalDecision `json:"decision,omitempty"`
}

// ApprovalDecision — внешнее решение по запросу.
type ApprovalDecision struct {
	ApprovalID string    `json:"approval_id"`
	Approved   bool      `json:"approved"`
	Approver   string    `json:"approver,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Status возвращает статус, соответствующий решению.
func (d ApprovalDecision) Status() ApprovalStatus {
	if d.Approved {
		return ApprovalStatusApproved
	}
	return ApprovalStatusRejected
}

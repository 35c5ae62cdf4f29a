package approval

import (
	"context"
	"errors"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
)

var (
	// ErrNotFound — запрос не найден.
	ErrNotFound = errors.New("approval not found")

	// ErrAlreadyDecided — по запросу уже принято решение.
	ErrAlreadyDecided = errors.New("approval already decided")

	// ErrExpired — запрос отозван: попытка unit, ждавшая решения, завершилась.
	ErrExpired = errors.New("approval expired")
)

// Service — управление запросами на одобрение со стороны ревьюеров.
type Service interface {
	List(ctx context.Context, filter repo.ApprovalFilter) ([]domain.ApprovalRequest, error)
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	Decide(ctx context.Context, d domain.ApprovalDecision) error
}

// Approve формирует положительное решение.
func Approve(id, approver string) domain.ApprovalDecision {
	return domain.ApprovalDecision{ApprovalID: id, Approved: true, Approver: approver}
}

// Reject формирует отказ с причиной.
func Reject(id, approver, reason string) domain.ApprovalDecision {
	return domain.ApprovalDecision{ApprovalID: id, Approver: approver, Reason: reason}
}

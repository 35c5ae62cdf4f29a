package approval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
)

// AutoApprove одобряет каждый запрос без ожидания.
type AutoApprove struct{}

// RequestApproval возвращает новый ID.
func (AutoApprove) RequestApproval(context.Context, domain.ApprovalRequest) (string, error) {
	return uuid.NewString(), nil
}

// AwaitDecision сразу возвращает одобрение.
func (AutoApprove) AwaitDecision(_ context.Context, approvalID string) (domain.ApprovalDecision, error) {
	return domain.ApprovalDecision{
		ApprovalID: approvalID,
		Approved:   true,
		Approver:   "system",
		Reason:     "Auto-approved",
		DecidedAt:  time.Now().UTC(),
	}, nil
}

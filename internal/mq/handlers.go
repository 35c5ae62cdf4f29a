package mq

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Stagehand/internal/approval"
	"github.com/shaiso/Stagehand/internal/domain"
)

// SubmitFunc запускает run по запросу. Ошибку, не исправимую повтором,
// следует оборачивать в ErrDrop.
type SubmitFunc func(ctx context.Context, req RunRequest) error

// Decider принимает решения по approval (approval.Service).
type Decider interface {
	Decide(ctx context.Context, d domain.ApprovalDecision) error
}

// RunRequestHandler обрабатывает очередь runs.requested.
func RunRequestHandler(submit SubmitFunc) Handler {
	return func(ctx context.Context, msg *Message) error {
		if msg.Type != MessageTypeRunRequested {
			return fmt.Errorf("%w: unexpected message type %q", ErrDrop, msg.Type)
		}

		req, err := ParsePayload[RunRequest](msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDrop, err)
		}
		if req.Pipeline == "" {
			return fmt.Errorf("%w: pipeline is required", ErrDrop)
		}

		return submit(ctx, req)
	}
}

// ApprovalDecisionHandler обрабатывает очередь approvals.decided.
//
// Повторная доставка уже принятого решения подтверждается без ошибки.
func ApprovalDecisionHandler(d Decider) Handler {
	return func(ctx context.Context, msg *Message) error {
		if msg.Type != MessageTypeApprovalDecided {
			return fmt.Errorf("%w: unexpected message type %q", ErrDrop, msg.Type)
		}

		decision, err := ParsePayload[domain.ApprovalDecision](msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDrop, err)
		}
		if decision.ApprovalID == "" {
			return fmt.Errorf("%w: approval_id is required", ErrDrop)
		}

		err = d.Decide(ctx, decision)
		switch {
		case errors.Is(err, approval.ErrAlreadyDecided):
			return nil
		case errors.Is(err, approval.ErrNotFound), errors.Is(err, approval.ErrExpired):
			return fmt.Errorf("%w: %v", ErrDrop, err)
		}
		return err
	}
}

package orchestrator

import (
	"context"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Store — Artifact/Result Store: непрозрачное хранение снапшотов run.
//
// Load для неизвестного run возвращает ошибку, для которой
// errors.Is(err, repo.ErrNotFound) == true.
type Store interface {
	Save(ctx context.Context, runID string, snap *domain.Snapshot) error
	Load(ctx context.Context, runID string) (*domain.Snapshot, error)
}

// KeyLookup — Store, умеющий искать run по ключу идемпотентности.
// Submit использует его, когда run уже вытеснен из реестра.
type KeyLookup interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Snapshot, error)
}

// ApprovalProvider — внешний источник решений по approval gate.
type ApprovalProvider interface {
	// RequestApproval регистрирует запрос и возвращает его ID.
	RequestApproval(ctx context.Context, req domain.ApprovalRequest) (string, error)

	// AwaitDecision блокируется до решения или отмены ctx.
	AwaitDecision(ctx context.Context, approvalID string) (domain.ApprovalDecision, error)
}

// ApprovalWithdrawer — ApprovalProvider, умеющий отзывать запросы.
// Оркестратор отзывает запрос, когда попытка перестала ждать решения:
// таймаут, отмена unit или run, остановка процесса.
type ApprovalWithdrawer interface {
	Withdraw(ctx context.Context, approvalID string) error
}

// EventSink — получатель событий жизненного цикла.
// Ошибки доставки логируются и не влияют на планирование.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// nopSink — EventSink по умолчанию.
type nopSink struct{}

func (nopSink) Publish(context.Context, domain.Event) error { return nil }

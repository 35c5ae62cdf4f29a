package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollBurst    = 5
)

// Store — персистентное хранилище запросов (repo.ApprovalRepo).
type Store interface {
	Create(ctx context.Context, req *domain.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	List(ctx context.Context, filter repo.ApprovalFilter) ([]domain.ApprovalRequest, error)
	Decide(ctx context.Context, d domain.ApprovalDecision) error
	Expire(ctx context.Context, id string) error
}

// PollingConfig — конфигурация PollingProvider.
type PollingConfig struct {
	Store Store

	// PollInterval — средний интервал между запросами к Store
	// по всем ожидающим запросам вместе. По умолчанию 2s.
	PollInterval time.Duration

	// Burst — сколько опросов можно выполнить подряд. По умолчанию 5.
	Burst int

	Logger *slog.Logger
}

// PollingProvider — ApprovalProvider поверх Postgres.
//
// Решения записываются любым процессом (API, CLI, consumer), а
// AwaitDecision узнаёт о них опросом. Общий rate.Limiter ограничивает
// нагрузку на БД при большом числе ожидающих units.
type PollingProvider struct {
	store   Store
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPollingProvider создаёт PollingProvider.
func NewPollingProvider(cfg PollingConfig) *PollingProvider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultPollBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PollingProvider{
		store:   cfg.Store,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), cfg.Burst),
		logger:  cfg.Logger,
	}
}

// RequestApproval сохраняет запрос в Store.
func (p *PollingProvider) RequestApproval(ctx context.Context, req domain.ApprovalRequest) (string, error) {
	req.ID = uuid.NewString()
	req.Status = domain.ApprovalStatusPending
	req.Decision = nil
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if err := p.store.Create(ctx, &req); err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}
	return req.ID, nil
}

// AwaitDecision опрашивает Store до появления решения.
func (p *PollingProvider) AwaitDecision(ctx context.Context, approvalID string) (domain.ApprovalDecision, error) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			// Wait отказывает заранее, если токен не успеет до дедлайна.
			<-ctx.Done()
			return domain.ApprovalDecision{}, ctx.Err()
		}

		req, err := p.Get(ctx, approvalID)
		if err != nil {
			return domain.ApprovalDecision{}, err
		}
		if req.Decision != nil {
			return *req.Decision, nil
		}
		if req.Status == domain.ApprovalStatusExpired {
			return domain.ApprovalDecision{}, ErrExpired
		}
	}
}

// Get возвращает запрос.
func (p *PollingProvider) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := p.store.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// List возвращает запросы по фильтру.
func (p *PollingProvider) List(ctx context.Context, filter repo.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	return p.store.List(ctx, filter)
}

// Decide записывает решение.
func (p *PollingProvider) Decide(ctx context.Context, d domain.ApprovalDecision) error {
	err := p.store.Decide(ctx, d)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrInvalidState):
		if req, gerr := p.Get(ctx, d.ApprovalID); gerr == nil && req.Status == domain.ApprovalStatusExpired {
			return ErrExpired
		}
		return ErrAlreadyDecided
	case err != nil:
		return fmt.Errorf("decide approval: %w", err)
	}

	p.logger.Info("approval decided",
		"approval_id", d.ApprovalID,
		"approved", d.Approved,
		"approver", d.Approver,
	)
	return nil
}

// Withdraw переводит PENDING запрос в EXPIRED. Запрос остаётся в Store
// как история; решённый запрос даёт ErrAlreadyDecided.
func (p *PollingProvider) Withdraw(ctx context.Context, id string) error {
	err := p.store.Expire(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrInvalidState):
		req, gerr := p.Get(ctx, id)
		if gerr == nil && req.Status == domain.ApprovalStatusExpired {
			return nil
		}
		return ErrAlreadyDecided
	case err != nil:
		return fmt.Errorf("expire approval: %w", err)
	}

	p.logger.Info("approval expired", "approval_id", id)
	return nil
}

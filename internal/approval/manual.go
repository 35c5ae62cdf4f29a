package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
)

// defaultRetain — сколько решённые и отозванные запросы остаются видны в List.
const defaultRetain = time.Hour

// Manual — ApprovalProvider с хранением запросов в памяти.
//
// AwaitDecision блокируется, пока кто-то не вызовет Decide или Withdraw.
// Запросы, переставшие быть PENDING, удаляются через retain.
type Manual struct {
	mu       sync.Mutex
	requests map[string]*domain.ApprovalRequest
	decided  map[string]chan struct{}
	resolved map[string]time.Time

	retain time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManual создаёт Manual.
func NewManual(logger *slog.Logger) *Manual {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manual{
		requests: make(map[string]*domain.ApprovalRequest),
		decided:  make(map[string]chan struct{}),
		resolved: make(map[string]time.Time),
		retain:   defaultRetain,
		now:      time.Now,
		logger:   logger,
	}
}

// RequestApproval регистрирует запрос.
func (m *Manual) RequestApproval(_ context.Context, req domain.ApprovalRequest) (string, error) {
	req.ID = uuid.NewString()
	req.Status = domain.ApprovalStatusPending
	req.Decision = nil
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	m.pruneLocked()
	m.requests[req.ID] = &req
	m.decided[req.ID] = make(chan struct{})
	m.mu.Unlock()

	m.logger.Debug("approval registered", "approval_id", req.ID, "run_id", req.RunID, "unit_id", req.UnitID)
	return req.ID, nil
}

// AwaitDecision ждёт решения или отмены ctx. Отозванный запрос даёт ErrExpired.
func (m *Manual) AwaitDecision(ctx context.Context, approvalID string) (domain.ApprovalDecision, error) {
	m.mu.Lock()
	ch, ok := m.decided[approvalID]
	m.mu.Unlock()
	if !ok {
		return domain.ApprovalDecision{}, ErrNotFound
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return domain.ApprovalDecision{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[approvalID]
	switch {
	case !ok:
		return domain.ApprovalDecision{}, ErrNotFound
	case req.Decision == nil:
		return domain.ApprovalDecision{}, ErrExpired
	}
	return *req.Decision, nil
}

// Decide записывает решение и будит ожидающих.
func (m *Manual) Decide(_ context.Context, d domain.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[d.ApprovalID]
	switch {
	case !ok:
		return ErrNotFound
	case req.Status == domain.ApprovalStatusExpired:
		return ErrExpired
	case req.Decision != nil:
		return ErrAlreadyDecided
	}

	if d.DecidedAt.IsZero() {
		d.DecidedAt = m.now().UTC()
	}
	req.Decision = &d
	req.Status = d.Status()
	m.resolveLocked(d.ApprovalID)

	m.logger.Info("approval decided",
		"approval_id", d.ApprovalID,
		"approved", d.Approved,
		"approver", d.Approver,
	)
	return nil
}

// Withdraw помечает PENDING запрос как EXPIRED. Для уже отозванного
// запроса ничего не делает, для решённого возвращает ErrAlreadyDecided.
func (m *Manual) Withdraw(_ context.Context, approvalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[approvalID]
	switch {
	case !ok:
		return ErrNotFound
	case req.Status == domain.ApprovalStatusExpired:
		return nil
	case req.Decision != nil:
		return ErrAlreadyDecided
	}

	req.Status = domain.ApprovalStatusExpired
	m.resolveLocked(approvalID)

	m.logger.Info("approval expired", "approval_id", approvalID, "run_id", req.RunID, "unit_id", req.UnitID)
	return nil
}

// resolveLocked будит ожидающих и ставит запрос в очередь на удаление.
func (m *Manual) resolveLocked(id string) {
	close(m.decided[id])
	m.resolved[id] = m.now()
}

// pruneLocked удаляет запросы, решённые или отозванные раньше retain.
func (m *Manual) pruneLocked() {
	cutoff := m.now().Add(-m.retain)
	for id, at := range m.resolved {
		if at.Before(cutoff) {
			delete(m.requests, id)
			delete(m.decided, id)
			delete(m.resolved, id)
		}
	}
}

// Get возвращает копию запроса.
func (m *Manual) Get(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// List возвращает запросы по фильтру, старые первыми.
func (m *Manual) List(_ context.Context, filter repo.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	m.mu.Lock()
	m.pruneLocked()
	out := make([]domain.ApprovalRequest, 0, len(m.requests))
	for _, req := range m.requests {
		if filter.Match(req) {
			out = append(out, *req)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

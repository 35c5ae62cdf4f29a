package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
)

// Store — хранилище состояния расписаний (repo.ScheduleRepo или MemoryStore).
type Store interface {
	// Upsert не меняет NextDueAt, если cron и timezone не изменились.
	Upsert(ctx context.Context, s *domain.Schedule) error
	List(ctx context.Context) ([]domain.Schedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)

	// RecordRun возвращает repo.ErrAlreadyExists, если key уже записан.
	RecordRun(ctx context.Context, pipeline, key string, nextDue time.Time) error
	Delete(ctx context.Context, pipeline string) error
}

// MemoryStore — Store в памяти для запуска без Postgres.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[string]*domain.Schedule
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*domain.Schedule)}
}

func (m *MemoryStore) Upsert(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	if prev, ok := m.schedules[s.Pipeline]; ok {
		cp.LastRunAt = prev.LastRunAt
		cp.LastRunKey = prev.LastRunKey
		if prev.CronExpr == s.CronExpr && prev.Timezone == s.Timezone {
			cp.NextDueAt = prev.NextDueAt
		}
	}
	m.schedules[s.Pipeline] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	all, _ := m.List(ctx)

	var due []domain.Schedule
	for i := range all {
		if all[i].IsDue(now) {
			due = append(due, all[i])
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDueAt.Before(*due[j].NextDueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) RecordRun(_ context.Context, pipeline, key string, nextDue time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[pipeline]
	if !ok {
		return repo.ErrNotFound
	}
	if s.LastRunKey == key {
		return repo.ErrAlreadyExists
	}
	s.RecordRun(key, nextDue)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, pipeline string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[pipeline]; !ok {
		return repo.ErrNotFound
	}
	delete(m.schedules, pipeline)
	return nil
}

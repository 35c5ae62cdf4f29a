package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shaiso/Stagehand/internal/domain"
)

// MemoryStore — хранилище снапшотов в памяти процесса.
//
// Снапшоты хранятся сериализованными, поэтому вызывающий не может
// изменить сохранённое состояние через указатели.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

// Save сохраняет снапшот run.
func (s *MemoryStore) Save(_ context.Context, runID string, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[runID] = data
	return nil
}

// Load возвращает снапшот run.
func (s *MemoryStore) Load(_ context.Context, runID string) (*domain.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

// GetByIdempotencyKey возвращает снапшот run по ключу идемпотентности.
func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, data := range s.snaps {
		var snap domain.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		if key != "" && snap.Run.IdempotencyKey == key {
			return &snap, nil
		}
	}
	return nil, ErrNotFound
}

// List возвращает runs с фильтрацией, новые первыми.
func (s *MemoryStore) List(_ context.Context, filter RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []domain.Run
	for _, data := range s.snaps {
		var snap domain.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		if filter.Match(&snap.Run) {
			runs = append(runs, snap.Run)
		}
	}
	return filter.page(runs), nil
}

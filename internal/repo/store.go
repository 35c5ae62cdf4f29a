package repo

import (
	"context"
	"sort"

	"github.com/shaiso/Stagehand/internal/domain"
)

// SnapshotStore — Artifact/Result Store для снапшотов runs.
//
// Реализации: SnapshotRepo (Postgres), BadgerStore (встроенная БД),
// MemoryStore (процесс). Load для неизвестного run возвращает ErrNotFound.
type SnapshotStore interface {
	Save(ctx context.Context, runID string, snap *domain.Snapshot) error
	Load(ctx context.Context, runID string) (*domain.Snapshot, error)
	List(ctx context.Context, filter RunFilter) ([]domain.Run, error)
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	Pipeline string
	Status   *domain.RunStatus
	Limit    int
	Offset   int
}

// Match проверяет, подходит ли run под фильтр (без учёта Limit/Offset).
func (f RunFilter) Match(run *domain.Run) bool {
	if f.Pipeline != "" && run.Pipeline != f.Pipeline {
		return false
	}
	if f.Status != nil && run.Status != *f.Status {
		return false
	}
	return true
}

// page сортирует runs по CreatedAt (новые первыми) и применяет Limit/Offset.
func (f RunFilter) page(runs []domain.Run) []domain.Run {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(runs) {
			return nil
		}
		runs = runs[f.Offset:]
	}
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs
}

package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stagehand/internal/domain"
)

// SnapshotRepo — Postgres-хранилище снапшотов runs.
type SnapshotRepo struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepo создаёт новый SnapshotRepo.
func NewSnapshotRepo(pool *pgxpool.Pool) *SnapshotRepo {
	return &SnapshotRepo{pool: pool}
}

// Save сохраняет (или перезаписывает) снапшот run.
func (r *SnapshotRepo) Save(ctx context.Context, runID string, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO run_snapshots (run_id, pipeline, status, idempotency_key, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
		    snapshot = EXCLUDED.snapshot,
		    updated_at = EXCLUDED.updated_at
	`
	_, err = r.pool.Exec(ctx, query,
		runID,
		snap.Run.Pipeline,
		string(snap.Run.Status),
		nullString(snap.Run.IdempotencyKey),
		data,
		snap.Run.CreatedAt,
		snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load возвращает снапшот run.
func (r *SnapshotRepo) Load(ctx context.Context, runID string) (*domain.Snapshot, error) {
	query := `SELECT snapshot FROM run_snapshots WHERE run_id = $1`
	return scanSnapshot(r.pool.QueryRow(ctx, query, runID))
}

// GetByIdempotencyKey возвращает снапшот run по ключу идемпотентности.
func (r *SnapshotRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Snapshot, error) {
	query := `SELECT snapshot FROM run_snapshots WHERE idempotency_key = $1`
	return scanSnapshot(r.pool.QueryRow(ctx, query, key))
}

// List возвращает runs с фильтрацией, новые первыми.
func (r *SnapshotRepo) List(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT snapshot->'run'
		FROM run_snapshots
		WHERE ($1::text IS NULL OR pipeline = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query, nullString(filter.Pipeline), status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run domain.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("%w: run: %v", ErrCorruptSnapshot, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Delete удаляет снапшот run.
func (r *SnapshotRepo) Delete(ctx context.Context, runID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM run_snapshots WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSnapshot(row pgx.Row) (*domain.Snapshot, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

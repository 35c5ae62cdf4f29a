package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stagehand/internal/domain"
)

// ScheduleRepo — репозиторий расписаний pipelines.
//
// Хранение состояния расписаний в Postgres позволяет нескольким
// экземплярам scheduler'а не публиковать один и тот же запуск дважды.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

const scheduleColumns = `
	pipeline, cron_expr, timezone, enabled, next_due_at, last_run_at, last_run_key, inputs
`

// Upsert создаёт расписание или обновляет cron/timezone/inputs существующего.
// Состояние запусков (last_run_*) не затирается.
func (r *ScheduleRepo) Upsert(ctx context.Context, s *domain.Schedule) error {
	inputsJSON, err := json.Marshal(s.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	query := `
		INSERT INTO schedules (pipeline, cron_expr, timezone, enabled, next_due_at, inputs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (pipeline) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    timezone = EXCLUDED.timezone,
		    enabled = EXCLUDED.enabled,
		    next_due_at = CASE
		        WHEN schedules.cron_expr = EXCLUDED.cron_expr AND schedules.timezone = EXCLUDED.timezone
		        THEN schedules.next_due_at
		        ELSE EXCLUDED.next_due_at
		    END,
		    inputs = EXCLUDED.inputs,
		    updated_at = NOW()
	`
	_, err = r.pool.Exec(ctx, query,
		s.Pipeline,
		s.CronExpr,
		s.Timezone,
		s.Enabled,
		s.NextDueAt,
		inputsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// Get возвращает расписание pipeline.
func (r *ScheduleRepo) Get(ctx context.Context, pipeline string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE pipeline = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, pipeline))
}

// List возвращает все расписания.
func (r *ScheduleRepo) List(ctx context.Context) ([]domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY pipeline`
	return r.query(ctx, query)
}

// ListDue возвращает расписания, готовые к выполнению.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	return r.query(ctx, query, now, limit)
}

// RecordRun фиксирует запуск и следующий срок.
//
// Обновление условное: если другой экземпляр уже записал тот же ключ,
// возвращается ErrAlreadyExists.
func (r *ScheduleRepo) RecordRun(ctx context.Context, pipeline, key string, nextDue time.Time) error {
	query := `
		UPDATE schedules
		SET last_run_at = NOW(), last_run_key = $2, next_due_at = $3, updated_at = NOW()
		WHERE pipeline = $1 AND last_run_key IS DISTINCT FROM $2
	`
	result, err := r.pool.Exec(ctx, query, pipeline, key, nextDue)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.Get(ctx, pipeline); err != nil {
			return err
		}
		return ErrAlreadyExists
	}
	return nil
}

// SetEnabled включает/выключает расписание.
func (r *ScheduleRepo) SetEnabled(ctx context.Context, pipeline string, enabled bool) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE schedules SET enabled = $2, updated_at = NOW() WHERE pipeline = $1
	`, pipeline, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет расписание.
func (r *ScheduleRepo) Delete(ctx context.Context, pipeline string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE pipeline = $1`, pipeline)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ScheduleRepo) query(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var lastKey *string
	var inputsJSON []byte

	err := row.Scan(
		&s.Pipeline,
		&s.CronExpr,
		&s.Timezone,
		&s.Enabled,
		&s.NextDueAt,
		&s.LastRunAt,
		&lastKey,
		&inputsJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.LastRunKey = derefString(lastKey)
	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &s.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	return &s, nil
}

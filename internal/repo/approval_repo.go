package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stagehand/internal/domain"
)

// ApprovalRepo — репозиторий запросов на одобрение стадий.
type ApprovalRepo struct {
	pool *pgxpool.Pool
}

// NewApprovalRepo создаёт новый ApprovalRepo.
func NewApprovalRepo(pool *pgxpool.Pool) *ApprovalRepo {
	return &ApprovalRepo{pool: pool}
}

// ApprovalFilter — фильтр для списка approvals.
type ApprovalFilter struct {
	RunID  string
	Status *domain.ApprovalStatus
	Limit  int
	Offset int
}

// Match проверяет, подходит ли запрос под фильтр.
func (f ApprovalFilter) Match(req *domain.ApprovalRequest) bool {
	if f.RunID != "" && req.RunID != f.RunID {
		return false
	}
	if f.Status != nil && req.Status != *f.Status {
		return false
	}
	return true
}

const approvalColumns = `
	id, run_id, unit_id, unit_name, payload, validation, reviewers, status,
	created_at, approver, reason, decided_at
`

// Create создаёт новый запрос.
func (r *ApprovalRepo) Create(ctx context.Context, req *domain.ApprovalRequest) error {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var validationJSON []byte
	if req.Validation != nil {
		validationJSON, err = json.Marshal(req.Validation)
		if err != nil {
			return fmt.Errorf("marshal validation: %w", err)
		}
	}

	query := `
		INSERT INTO approvals (id, run_id, unit_id, unit_name, payload, validation, reviewers, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		req.ID,
		req.RunID,
		req.UnitID,
		req.UnitName,
		payloadJSON,
		validationJSON,
		req.Reviewers,
		req.Status.String(),
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetByID возвращает запрос по ID.
func (r *ApprovalRepo) GetByID(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`
	return scanApproval(r.pool.QueryRow(ctx, query, id))
}

// List возвращает запросы с фильтрацией, новые первыми.
func (r *ApprovalRepo) List(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRequest, error) {
	var conditions []string
	var args []any
	argNum := 1

	if filter.RunID != "" {
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", argNum))
		args = append(args, filter.RunID)
		argNum++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, filter.Status.String())
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// Decide записывает решение. Решение принимается только для PENDING:
// повторное решение возвращает ErrInvalidState.
func (r *ApprovalRepo) Decide(ctx context.Context, d domain.ApprovalDecision) error {
	decidedAt := d.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}

	query := `
		UPDATE approvals
		SET status = $2, approver = $3, reason = $4, decided_at = $5
		WHERE id = $1 AND status = 'PENDING'
	`
	result, err := r.pool.Exec(ctx, query,
		d.ApprovalID,
		d.Status().String(),
		nullString(d.Approver),
		nullString(d.Reason),
		decidedAt,
	)
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, d.ApprovalID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// Expire переводит PENDING запрос в EXPIRED. Для уже закрытого запроса
// возвращает ErrInvalidState.
func (r *ApprovalRepo) Expire(ctx context.Context, id string) error {
	query := `
		UPDATE approvals
		SET status = 'EXPIRED', decided_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("expire approval: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// scanApproval сканирует одну строку в ApprovalRequest.
func scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var (
		req            domain.ApprovalRequest
		payloadJSON    []byte
		validationJSON []byte
		statusStr      string
		approver       *string
		reason         *string
		decidedAt      *time.Time
	)

	err := row.Scan(
		&req.ID,
		&req.RunID,
		&req.UnitID,
		&req.UnitName,
		&payloadJSON,
		&validationJSON,
		&req.Reviewers,
		&statusStr,
		&req.CreatedAt,
		&approver,
		&reason,
		&decidedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}

	req.Status = domain.ParseApprovalStatus(statusStr)

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(validationJSON) > 0 {
		var v domain.ValidationResult
		if err := json.Unmarshal(validationJSON, &v); err != nil {
			return nil, fmt.Errorf("unmarshal validation: %w", err)
		}
		req.Validation = &v
	}

	if decidedAt != nil && req.Status != domain.ApprovalStatusExpired {
		req.Decision = &domain.ApprovalDecision{
			ApprovalID: req.ID,
			Approved:   req.Status == domain.ApprovalStatusApproved,
			Approver:   derefString(approver),
			Reason:     derefString(reason),
			DecidedAt:  *decidedAt,
		}
	}

	return &req, nil
}

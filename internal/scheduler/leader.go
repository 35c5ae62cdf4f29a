package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLockKey — ключ advisory lock лидера.
const DefaultLockKey int64 = 424242

// PGLeader — выбор лидера через pg_try_advisory_lock.
//
// Advisory lock живёт в сессии, поэтому лидер держит выделенное
// соединение из пула до Release.
type PGLeader struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewPGLeader создаёт PGLeader.
func NewPGLeader(pool *pgxpool.Pool, key int64) *PGLeader {
	return &PGLeader{pool: pool, key: key}
}

// IsLeader пытается захватить lock, если он ещё не захвачен.
func (l *PGLeader) IsLeader(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// Соединение потеряно вместе с lock.
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release освобождает lock.
func (l *PGLeader) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}

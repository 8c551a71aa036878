package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock is a session-level Postgres advisory lock. The lock lives on one
// pooled connection, which is held until the unlock func runs.
type AdvisoryLock struct {
	db  *pgxpool.Pool
	key string
}

func NewAdvisoryLock(db *pgxpool.Pool, key string) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

func (l *AdvisoryLock) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, l.key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock %q: %w", l.key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key)
		return err
	}
	return unlock, true, nil
}

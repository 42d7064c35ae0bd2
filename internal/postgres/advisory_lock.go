package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/lock"
)

// advisoryNamespace is the first key of the two-key advisory lock space.
const advisoryNamespace int32 = 0x494e4b

// AdvisoryLock is a session-level Postgres advisory lock held on a
// dedicated pooled connection for the lifetime of the lease.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	name string
}

// NewAdvisoryLock returns a named advisory mutex.
func NewAdvisoryLock(pool *pgxpool.Pool, name string) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, name: name}
}

func (l *AdvisoryLock) Name() string { return l.name }

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (lock.Lease, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock %q: %w", l.name, err)
	}

	var ok bool
	if err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1, hashtext($2))`, advisoryNamespace, l.name,
	).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock %q: %w", l.name, err)
	}
	if !ok {
		conn.Release()
		return nil, lock.ErrNotAcquired
	}
	return &advisoryLease{conn: conn, name: l.name}, nil
}

// Break terminates the backend session that currently holds the lock.
// It is a last resort: the holder's in-flight transaction is rolled back.
func (l *AdvisoryLock) Break(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `
		SELECT pg_terminate_backend(l.pid)
		FROM pg_locks l
		WHERE l.locktype = 'advisory'
		  AND l.granted
		  AND l.classid = $1::int4::oid
		  AND l.objid = hashtext($2)::oid
		  AND l.objsubid = 2
		  AND l.pid <> pg_backend_pid()
	`, advisoryNamespace, l.name)
	if err != nil {
		return fmt.Errorf("break advisory lock %q: %w", l.name, err)
	}
	rows.Close()
	return rows.Err()
}

type advisoryLease struct {
	conn *pgxpool.Conn
	name string
	once sync.Once
}

// Renew verifies the holding session is still alive; the lock lives as long
// as the session does.
func (a *advisoryLease) Renew(ctx context.Context) error {
	if err := a.conn.Ping(ctx); err != nil {
		return fmt.Errorf("advisory lock %q session lost: %w", a.name, err)
	}
	return nil
}

func (a *advisoryLease) Release(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		_, execErr := a.conn.Exec(ctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, advisoryNamespace, a.name)
		if execErr != nil {
			// Closing the session is the only other way to drop a session lock.
			_ = a.conn.Conn().Close(ctx)
			err = fmt.Errorf("advisory unlock %q: %w", a.name, execErr)
		}
		a.conn.Release()
	})
	return err
}

var (
	_ lock.Mutex   = (*AdvisoryLock)(nil)
	_ lock.Breaker = (*AdvisoryLock)(nil)
)

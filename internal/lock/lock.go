// Package lock defines the named distributed mutex the worker uses to stay
// single-flight across processes.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned by TryAcquire when another holder owns the mutex.
var ErrNotAcquired = errors.New("lock held elsewhere")

// Mutex is a named, non-blocking cross-process mutex.
type Mutex interface {
	Name() string
	// TryAcquire returns ErrNotAcquired without waiting when the mutex is held.
	TryAcquire(ctx context.Context) (Lease, error)
}

// Lease is a held mutex. Release must be called exactly once.
type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Breaker is implemented by mutexes that can forcibly evict the current holder.
type Breaker interface {
	Break(ctx context.Context) error
}

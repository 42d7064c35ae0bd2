package lock

import (
	"context"
	"sync"
)

// Local is an in-process Mutex, used in memory mode and in tests.
type Local struct {
	name string
	mu   sync.Mutex
	held bool
}

// NewLocal returns an unheld Local mutex.
func NewLocal(name string) *Local { return &Local{name: name} }

func (l *Local) Name() string { return l.name }

func (l *Local) TryAcquire(_ context.Context) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrNotAcquired
	}
	l.held = true
	return &localLease{l: l}, nil
}

// Break releases the mutex regardless of who holds it.
func (l *Local) Break(_ context.Context) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}

type localLease struct {
	l    *Local
	once sync.Once
}

func (ll *localLease) Renew(context.Context) error { return nil }

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		ll.l.mu.Lock()
		ll.l.held = false
		ll.l.mu.Unlock()
	})
	return nil
}

var (
	_ Mutex   = (*Local)(nil)
	_ Breaker = (*Local)(nil)
)

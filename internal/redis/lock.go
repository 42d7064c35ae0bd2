package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/lock"
)

// renewScript extends the key's TTL only while the caller still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes the key only while the caller still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// ErrLeaseLost is returned by Renew when another owner took the key.
var ErrLeaseLost = errors.New("redis lock lease lost")

// Lock is a single-owner mutex backed by SET NX PX.
type Lock struct {
	client *redis.Client
	name   string
	owner  string
	ttl    time.Duration
}

// NewLock returns a Redis mutex. owner identifies this process; ttl bounds
// how long a crashed holder can keep the lock.
func NewLock(client *redis.Client, name, owner string, ttl time.Duration) *Lock {
	return &Lock{client: client, name: name, owner: owner, ttl: ttl}
}

func (l *Lock) key() string { return "lock:" + l.name }

func (l *Lock) Name() string { return l.name }

func (l *Lock) TryAcquire(ctx context.Context) (lock.Lease, error) {
	ok, err := l.client.SetNX(ctx, l.key(), l.owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %q SetNX: %w", l.name, err)
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}
	return &redisLease{lock: l}, nil
}

// Break deletes the key regardless of owner.
func (l *Lock) Break(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key()).Err(); err != nil {
		return fmt.Errorf("redis lock %q break: %w", l.name, err)
	}
	return nil
}

type redisLease struct {
	lock *Lock
	once sync.Once
}

func (r *redisLease) Renew(ctx context.Context) error {
	l := r.lock
	n, err := renewScript.Run(ctx, l.client, []string{l.key()}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis lock %q renew: %w", l.name, err)
	}
	if n != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		l := r.lock
		if runErr := releaseScript.Run(ctx, l.client, []string{l.key()}, l.owner).Err(); runErr != nil && !errors.Is(runErr, redis.Nil) {
			err = fmt.Errorf("redis lock %q release: %w", l.name, runErr)
		}
	})
	return err
}

var (
	_ lock.Mutex   = (*Lock)(nil)
	_ lock.Breaker = (*Lock)(nil)
)

package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

// RateLimiter caps how many events a key may produce per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	seq    atomic.Uint64
}

// NewRateLimiter returns a Redis-backed sliding-window limiter. Keys are
// stored under "ratelimit:<prefix>:<key>".
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records one event for key and reports whether it stays within the
// limit. Rejected events still count against the window.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "ratelimit:" + r.prefix + ":" + key
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}
	return countCmd.Val() <= int64(r.limit), nil
}

// Check is Allow expressed as an error: a rejected event yields
// *domain.RateLimitExceededError.
func Check(ctx context.Context, rl RateLimiter, key string) error {
	ok, err := rl.Allow(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.RateLimitExceededError{Key: key, Limit: rl.Limit()}
	}
	return nil
}

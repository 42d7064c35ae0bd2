package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Jitter in [0,1] is the fraction of each wait that is randomised.
	// 0 gives a deterministic schedule, 1 gives "full jitter".
	Jitter float64
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
	// Rand supplies jitter; nil uses the global source.
	Rand *rand.Rand
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff returns the wait after the given failed attempt (1-indexed).
// u is a uniform sample in [0,1) used for jitter.
//
// With BaseDelay=1s, Jitter=0 and no cap:
//
//	attempt 1 fails → wait 1s
//	attempt 2 fails → wait 2s
//	attempt 3 fails → wait 4s
func Backoff(cfg Config, attempt int, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	j := min(max(cfg.Jitter, 0), 1)
	if j == 0 {
		return d
	}
	// Keep (1-j) of the delay fixed and randomise the rest.
	fixed := time.Duration(float64(d) * (1 - j))
	return fixed + time.Duration(float64(d)*j*u)
}

// Do calls fn up to cfg.MaxAttempts times with exponential backoff and
// jitter between attempts. It returns nil on first success, the unwrapped
// error of a Permanent failure, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		u := rand.Float64()
		if cfg.Rand != nil {
			u = cfg.Rand.Float64()
		}
		timer := time.NewTimer(Backoff(cfg, attempt, u))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}

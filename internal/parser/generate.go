package parser

import (
	"context"
	"time"

	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/retry"
)

// RetryConfig controls how often a generation is re-requested when its
// output cannot be recovered or the call itself fails.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	// OnFailure observes every failed attempt; raw is empty when the call
	// itself failed.
	OnFailure func(attempt int, raw string, err error)
}

// DefaultRetry is used by the generation stages unless configured.
var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      0.5,
}

// Generate calls the generator and decodes its output into T. When the
// output cannot be repaired the generator is called again, not just the
// parser, with exponential backoff and jitter between attempts. The last
// error is returned once attempts are exhausted.
func Generate[T any](ctx context.Context, cfg RetryConfig, call func(ctx context.Context) (string, error), s *Schema) (T, error) {
	var (
		out     T
		attempt int
	)
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
	}, func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		raw, err := call(ctx)
		if err != nil {
			if cfg.OnFailure != nil {
				cfg.OnFailure(attempt, "", err)
			}
			return err
		}
		v, err := Decode[T](raw, s)
		if err != nil {
			if cfg.OnFailure != nil {
				cfg.OnFailure(attempt, raw, err)
			}
			return err
		}
		out = v
		return nil
	})
	return out, err
}

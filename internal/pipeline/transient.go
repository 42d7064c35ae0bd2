package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTransient marks an error as worth a quick local retry.
var ErrTransient = errors.New("transient")

// TransientAttempts is how many times Transient calls fn in total.
const TransientAttempts = 3

// IsTransient reports whether err looks like pool exhaustion, a dropped
// connection or a retryable serialisation conflict.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08": // connection exception
			return true
		case pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01": // deadlock_detected
			return true
		}
	}
	return false
}

// Transient runs fn, retrying transient database errors a few times with
// backoff. Other errors are returned at once.
func Transient(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(TransientAttempts),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
	)
}

// TransientValue is Transient for calls that return a value.
func TransientValue[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	err := Transient(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

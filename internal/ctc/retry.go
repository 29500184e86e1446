package ctc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Retry policy for the epoch-bounding queries.
const (
	QueryAttempts = 3
	QueryBackoff  = 2 * time.Second
)

// RetryOnTimeout runs fn until it succeeds, fails with an error other than
// domain.ErrQueryTimeout, or has been tried attempts times. It sleeps wait
// between attempts.
func RetryOnTimeout[T any](ctx context.Context, logger *slog.Logger, op string, attempts int, wait time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrQueryTimeout) {
			return zero, err
		}
		logger.Info("query timed out, retrying", "op", op, "attempt", attempt, "error", err)
		if attempt == attempts {
			break
		}
		if !sleepWithContext(ctx, wait) {
			return zero, ctx.Err()
		}
	}
	return zero, err
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

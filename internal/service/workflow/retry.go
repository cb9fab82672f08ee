package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// withRetry runs fn up to attempts times, each bounded by timeout,
// sleeping backoff, 2*backoff, 4*backoff... between attempts. A
// timeout counts as a provider failure. The per-attempt context is
// detached from the caller's cancellation: a run, once started, always
// produces a result and is never abandoned mid-flight.
func withRetry(ctx context.Context, attempts int, timeout, backoff time.Duration, logger *zap.Logger, op string, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		logger.Warn("step attempt failed",
			zap.String("step", op),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", attempts),
			zap.Error(err))

		if attempt < attempts {
			time.Sleep(backoff << (attempt - 1))
		}
	}
	return err
}

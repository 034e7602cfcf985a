package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	maxBackoff    = 5 * time.Second
	maxRetryAfter = 30 * time.Second
)

// Retry re-issues a call up to retries more times while its error is
// Retryable. Waits double from base; a server-sent Retry-After wins when
// it is longer.
func Retry(retries int, base time.Duration, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			for n := 1; n <= retries && Retryable(err); n++ {
				wait := backoff(base, n, err)
				logger.WarnContext(ctx, "remote call retry", "attempt", n, "wait", wait, "error", err)
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, err
				case <-t.C:
				}
				resp, err = next(ctx, payload)
			}
			return resp, err
		}
	}
}

func backoff(base time.Duration, attempt int, err error) time.Duration {
	wait := min(base<<(attempt-1), maxBackoff)
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > wait {
		wait = min(se.RetryAfter, maxRetryAfter)
	}
	return wait
}

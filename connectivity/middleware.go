package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies mws around a handler, first one outermost.
func Chain(mws ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := range mws {
			h = mws[len(mws)-1-i](h)
		}
		return h
	}
}

// Logging records every call to service: failures at warn level, the
// rest at debug.
func Logging(logger *slog.Logger, service string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			began := time.Now()
			resp, err := next(ctx, payload)
			l := logger.With("service", service, "took", time.Since(began), "sent", len(payload))
			if err != nil {
				l.WarnContext(ctx, "remote call failed", "error", err)
				return resp, err
			}
			l.DebugContext(ctx, "remote call", "received", len(resp))
			return resp, nil
		}
	}
}

// Timeout gives each call at most d. Zero leaves the caller's deadline.
func Timeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery converts a panic into *PanicError so one bad response cannot
// take the server down.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if v := recover(); v != nil {
					logger.ErrorContext(ctx, "remote handler panicked", "panic", v, "stack", string(debug.Stack()))
					resp, err = nil, &PanicError{Value: v}
				}
			}()
			return next(ctx, payload)
		}
	}
}

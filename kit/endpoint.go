// Package kit is what the HTTP routes and the MCP tools share: per-request
// context values and the Endpoint shape board operations are wrapped in.
package kit

import (
	"context"
	"time"
)

// Endpoint is a board or session operation, whatever surface invoked it.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain nests mws so that the first one runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ep Endpoint) Endpoint {
		for i := range mws {
			ep = mws[len(mws)-1-i](ep)
		}
		return ep
	}
}

// Logging reports each call of the named operation on the context logger.
func Logging(name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			began := time.Now()
			resp, err := next(ctx, req)
			l := Logger(ctx).With("op", name, "via", Transport(ctx), "took", time.Since(began))
			if err != nil {
				l.WarnContext(ctx, "operation failed", "error", err)
			} else {
				l.DebugContext(ctx, "operation done")
			}
			return resp, err
		}
	}
}

// Package shield holds the middleware in front of the noteboard bridge.
package shield

import "net/http"

// maxJSONBytes bounds JSON bodies. It leaves room for a full board import.
const maxJSONBytes = 8 << 20

// DefaultStack returns the middleware applied to every route, outermost
// first.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		TraceID,
		SecurityHeaders,
		HeadToGet,
		MaxJSONBody(maxJSONBytes),
	}
}

// Package connectivity is the outbound side of noteboard: every call to a
// remote service (identity endpoints, the text model) is a Handler, and
// retries, deadlines and circuit breaking wrap it as Middleware.
package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/noteboard/horosafe"
)

// Handler performs one remote call with a JSON payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Remote answers larger than this are refused.
const maxResponseBytes int64 = 10 << 20

// HTTPHandler POSTs the payload to url. Headers in header are added to
// every request; non-2xx answers come back as *StatusError.
func HTTPHandler(client *http.Client, url string, header http.Header) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("connectivity: build request: %w", err)
		}
		req.Header = header.Clone()
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connectivity: %s: %w", req.URL.Host, err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, maxResponseBytes)
		if err != nil {
			return nil, fmt.Errorf("connectivity: %s: read body: %w", req.URL.Host, err)
		}
		if resp.StatusCode/100 != 2 {
			return nil, &StatusError{
				Code:       resp.StatusCode,
				Body:       body,
				RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			}
		}
		return body, nil
	}
}

// retryAfter reads the delay-seconds form of Retry-After; dates are ignored.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

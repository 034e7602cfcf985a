package cloud

import (
	"context"
	"net/http"
)

type originKey struct{}

func contextWithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

// originTransport forwards the browser origin of a sign-in so the API can
// apply the project's referrer restrictions.
type originTransport struct{ base http.RoundTripper }

func (t originTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	origin, _ := req.Context().Value(originKey{}).(string)
	if origin == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", origin+"/")
	return t.base.RoundTrip(req)
}

func withOrigin(c *http.Client) *http.Client {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	out := *c
	out.Transport = originTransport{base: base}
	return &out
}

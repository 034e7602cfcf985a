package localauth

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// domainAllowed reports whether origin may sign in. An empty origin is a
// local client (CLI, MCP) and is always allowed. A listed registrable
// domain also covers its subdomains; any other entry matches exactly.
func domainAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d {
			return true
		}
		if apex, err := publicsuffix.EffectiveTLDPlusOne(d); err == nil && apex == d && strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

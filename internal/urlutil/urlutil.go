// Package urlutil builds absolute URLs that point back at the relay.
package urlutil

import (
	"net/http"
	"strings"
)

// RedirectPath is the relay page Stripe returns the browser to.
const RedirectPath = "/api/subscriptions/redirect"

// OriginFromRequest returns scheme://host for r, or fallback when the request
// has no host. X-Forwarded-Proto is honored only behind a trusted proxy.
func OriginFromRequest(r *http.Request, fallback string, trustProxy bool) string {
	base := normalizeBaseURL(fallback)
	if r == nil {
		return base
	}
	host := strings.TrimSpace(r.Host)
	if host == "" {
		return base
	}
	return normalizeBaseURL(requestScheme(r, trustProxy) + "://" + host)
}

// BuildAbsolute joins a base origin and a path. An absolute path is returned
// unchanged.
func BuildAbsolute(base, path string) string {
	base = normalizeBaseURL(base)
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// CheckoutReturnURLs returns the success and cancel URLs for a checkout
// started on origin. The session placeholder is left for Stripe to expand.
func CheckoutReturnURLs(origin string) (success, cancel string) {
	success = BuildAbsolute(origin, RedirectPath+"?status=success&session_id={CHECKOUT_SESSION_ID}")
	cancel = BuildAbsolute(origin, RedirectPath+"?status=canceled")
	return success, cancel
}

func requestScheme(r *http.Request, trustProxy bool) string {
	if trustProxy {
		proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))
		if comma := strings.Index(proto, ","); comma >= 0 {
			proto = strings.TrimSpace(proto[:comma])
		}
		if proto == "http" || proto == "https" {
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func normalizeBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}

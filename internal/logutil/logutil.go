// Package logutil renders provider traffic for logs with credentials masked.
package logutil

import (
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const masked = "[REDACTED]"

// sensitiveFragments match header and query keys after lowercasing and
// dropping '-' and '_'. "auth" also covers authorization.
var sensitiveFragments = []string{"auth", "token", "secret", "password", "apikey", "cookie", "signature"}

// Sensitive reports whether a key probably names a credential.
func Sensitive(key string) bool {
	k := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(key)))
	return lo.ContainsBy(sensitiveFragments, func(frag string) bool {
		return strings.Contains(k, frag)
	})
}

// Headers renders h as `name="v1, v2"; ...`, sorted by name.
func Headers(h http.Header) string {
	if len(h) == 0 {
		return "{}"
	}
	parts := lo.Map(slices.Sorted(maps.Keys(h)), func(name string, _ int) string {
		value := strings.Join(h.Values(name), ", ")
		if Sensitive(name) {
			value = masked
		}
		return strings.ToLower(name) + "=" + strconv.Quote(value)
	})
	return strings.Join(parts, "; ")
}

// URL drops userinfo and masks credential-looking query parameters.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable url]"
	}
	u.User = nil
	q := u.Query()
	for k := range q {
		if Sensitive(k) {
			q.Set(k, masked)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Preview flattens s onto one line and cuts it to n bytes.
func Preview(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", `\n`)
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}

// Hint identifies a secret or address without revealing it: "sk-...3xQ9".
func Hint(secret string) string {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return "<unset>"
	case len(secret) <= 8:
		return "***"
	}
	return secret[:3] + "..." + secret[len(secret)-4:]
}

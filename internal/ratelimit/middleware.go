package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/extension-relay/internal/errs"
)

// DefaultRetryAfterSeconds is the minimum Retry-After sent with a 429.
const DefaultRetryAfterSeconds = 1

// Caller identifies who a request is charged to.
type Caller struct {
	Key    string
	IsPaid bool
}

// CallerFunc resolves the caller for a request.
type CallerFunc func(r *http.Request) Caller

// ErrorWriter renders a coded error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware returns HTTP middleware that rejects callers over their
// allowance with 429 and a Retry-After header.
func Middleware(limiter *RateLimiter, caller CallerFunc, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := caller(r)
			if c.Key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take(c)
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, r, errs.New(errs.RateLimited, "Too many requests"))
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(delay time.Duration) int {
	secs := int(math.Ceil(delay.Seconds()))
	if secs < DefaultRetryAfterSeconds {
		return DefaultRetryAfterSeconds
	}
	return secs
}

// IdentityKey is the limiter key for an authenticated subject.
func IdentityKey(subjectID string) string {
	return "sub:" + subjectID
}

// ClientIPKey is the limiter key for an anonymous request.
func ClientIPKey(r *http.Request, trustProxy bool) string {
	return "ip:" + ClientIP(r, trustProxy)
}

// ClientIP is the caller's address: the peer, or the first X-Forwarded-For
// hop when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/extension-relay/internal/errs"
)

func jsonErrorWriter(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.StatusOf(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": errs.MessageOf(err),
		"code":  string(errs.CodeOf(err)),
	})
}

func newTestMiddleware(t *testing.T, burst int, caller CallerFunc) http.Handler {
	t.Helper()
	rl := NewRateLimiter(Config{FreeRPS: 0.01, FreeBurst: burst, PaidRPS: 0.01, PaidBurst: burst * 10, CleanupInterval: time.Hour})
	t.Cleanup(rl.Stop)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(rl, caller, jsonErrorWriter)(ok)
}

func TestMiddleware_RejectsOverLimitWithRetryAfter(t *testing.T) {
	t.Parallel()
	h := newTestMiddleware(t, 2, func(r *http.Request) Caller {
		return Caller{Key: ClientIPKey(r, false)}
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthcheck", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthcheck", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(errs.RateLimited), body["code"])
}

func TestMiddleware_PaidCallersGetLargerBurst(t *testing.T) {
	t.Parallel()
	h := newTestMiddleware(t, 1, func(r *http.Request) Caller {
		return Caller{Key: IdentityKey(r.Header.Get("X-Test-User")), IsPaid: true}
	})

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/analyze", nil)
		req.Header.Set("X-Test-User", "u-paid")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
}

func TestMiddleware_EmptyKeyPassesThrough(t *testing.T) {
	t.Parallel()
	h := newTestMiddleware(t, 1, func(*http.Request) Caller { return Caller{} })
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestClientIP_ForwardedForOnlyWhenTrusted(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::5]:443"
	req.Header.Set("X-Forwarded-For", " 10.20.1.5 , 192.0.2.1")

	assert.Equal(t, "2001:db8::5", ClientIP(req, false))
	assert.Equal(t, "10.20.1.5", ClientIP(req, true))

	req.Header.Set("X-Forwarded-For", " ,192.0.2.1")
	assert.Equal(t, "2001:db8::5", ClientIP(req, true))
}

func TestClientIPKey(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "ip:192.0.2.10", ClientIPKey(req, false))
	assert.Equal(t, "ip:203.0.113.7", ClientIPKey(req, true))

	req.RemoteAddr = "bare-host"
	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "ip:bare-host", ClientIPKey(req, true))
	assert.Equal(t, "sub:abc", IdentityKey("abc"))
}

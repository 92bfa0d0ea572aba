package obs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"
)

// statusWriter remembers the status code and body size.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach Flush on the real writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RequestContextMiddleware assigns the request id (reusing X-Request-Id or a
// valid W3C traceparent when the caller sent one) and echoes it back.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
		traceID := traceIDOf(traceparent)
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		switch {
		case id != "":
		case traceID != "":
			id = traceID
		default:
			id = newRequestID()
		}
		w.Header().Set("X-Request-Id", id)

		f := &requestFields{
			requestID:   id,
			traceID:     traceID,
			traceparent: traceparent,
			origin:      strings.TrimSpace(r.Header.Get("Origin")),
		}
		next.ServeHTTP(w, r.WithContext(contextWith(r, f)))
	})
}

func contextWith(r *http.Request, f *requestFields) context.Context {
	return context.WithValue(r.Context(), fieldsKey{}, f)
}

// AccessLogMiddleware writes one "http_access" line per request.
func AccessLogMiddleware(pkg string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		From(r.Context()).Info("http_access",
			"pkg", pkg,
			"method", r.Method,
			"path", r.URL.Path,
			"remote", remoteHost(r),
			"status", sw.status,
			"dur_ms", float64(time.Since(start).Microseconds())/1000,
			"req_bytes", max(r.ContentLength, 0),
			"resp_bytes", sw.bytes,
		)
	})
}

// traceIDOf returns the trace id of a version-00 traceparent, or "".
func traceIDOf(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	id := strings.ToLower(parts[1])
	if len(id) != 32 || strings.Trim(id, "0") == "" {
		return ""
	}
	if _, err := hex.DecodeString(id); err != nil {
		return ""
	}
	return id
}

func newRequestID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "req-" + hex.EncodeToString(b[:])
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

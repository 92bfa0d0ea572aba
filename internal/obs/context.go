package obs

import (
	"context"
	"strings"
	"sync"
)

type fieldsKey struct{}

// requestFields is shared by pointer so that values set deep in the handler
// chain (route, subject) are visible to the access log written on the way out.
type requestFields struct {
	mu          sync.Mutex
	requestID   string
	traceID     string
	traceparent string
	origin      string
	route       string
	subject     string
}

func fieldsFrom(ctx context.Context) *requestFields {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(fieldsKey{}).(*requestFields)
	return f
}

func withFields(ctx context.Context, set func(*requestFields)) context.Context {
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		set(f)
		f.mu.Unlock()
		return ctx
	}
	f := &requestFields{}
	set(f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithSubject records the authenticated user id.
func WithSubject(ctx context.Context, subject string) context.Context {
	subject = strings.TrimSpace(subject)
	return withFields(ctx, func(f *requestFields) { f.subject = subject })
}

// WithRoute records the matched route pattern.
func WithRoute(ctx context.Context, route string) context.Context {
	return withFields(ctx, func(f *requestFields) { f.route = route })
}

// RequestID returns the id assigned by RequestContextMiddleware, or "".
func RequestID(ctx context.Context) string {
	f := fieldsFrom(ctx)
	if f == nil {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestID
}

func (f *requestFields) attrs() []any {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	add := func(k, v string) {
		if v != "" {
			out = append(out, k, v)
		}
	}
	add("request_id", f.requestID)
	add("trace_id", f.traceID)
	add("traceparent", f.traceparent)
	add("origin", f.origin)
	add("route", f.route)
	add("subject", f.subject)
	return out
}

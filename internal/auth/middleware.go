package auth

import (
	"net/http"
)

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware provides authentication middleware for HTTP handlers.
type Middleware struct {
	gate       *Gate
	writeError ErrorWriter
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(gate *Gate, writeError ErrorWriter) *Middleware {
	return &Middleware{gate: gate, writeError: writeError}
}

// RequireAuth rejects requests without a valid bearer token before next runs.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.gate.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// OptionalAuth attaches an identity when a valid token is present and
// otherwise continues anonymously.
func (m *Middleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := m.gate.Authenticate(r.Context(), header)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

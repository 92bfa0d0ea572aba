package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/obs"
)

type identityContextKey struct{}

// ErrMalformedHeader is the cause recorded for a bad Authorization header.
var ErrMalformedHeader = errors.New("auth: malformed authorization header")

// Gate authenticates inbound requests against a Provider.
type Gate struct {
	provider Provider
}

// NewGate creates a Gate.
func NewGate(provider Provider) *Gate {
	return &Gate{provider: provider}
}

// Provider returns the configured identity provider.
func (g *Gate) Provider() Provider {
	return g.provider
}

// Authenticate verifies an Authorization header value. Every failure is the
// same generic Unauthorized error; the cause is only logged.
func (g *Gate) Authenticate(ctx context.Context, authHeader string) (*Identity, error) {
	token, ok := ParseBearer(authHeader)
	if !ok {
		return nil, errs.Unauthorized(ErrMalformedHeader)
	}
	identity, err := g.provider.Introspect(ctx, token)
	if err != nil {
		obs.From(ctx).Info("token rejected", "provider", g.provider.Name(), "error", err)
		return nil, errs.Unauthorized(err)
	}
	if identity == nil || identity.SubjectID == "" {
		return nil, errs.Unauthorized(errors.New("auth: token has no subject"))
	}
	return identity, nil
}

// ParseBearer extracts the token from exactly "Bearer <token>".
func ParseBearer(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}

// WithIdentity stores identity in ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	ctx = obs.WithSubject(ctx, identity.SubjectID)
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*Identity)
	return identity
}

// GetUserID returns the authenticated subject id, or "".
func GetUserID(ctx context.Context) string {
	if identity := IdentityFromContext(ctx); identity != nil {
		return identity.SubjectID
	}
	return ""
}

// IsAuthenticated checks if the context has an authenticated identity.
func IsAuthenticated(ctx context.Context) bool {
	return GetUserID(ctx) != ""
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdtime "time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kuitang/extension-relay/internal/db"
	"github.com/kuitang/extension-relay/internal/errs"
	"github.com/kuitang/extension-relay/internal/obs"
)

// DefaultSessionDuration is the lifetime of a local session token.
const DefaultSessionDuration = 24 * stdtime.Hour

// ErrTokenRevoked is returned by Introspect for a signed-out token.
var ErrTokenRevoked = errors.New("auth: token revoked")

type sessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// LocalProvider keeps accounts in the relay database and issues HS256 tokens.
type LocalProvider struct {
	store  *db.Store
	secret []byte
	issuer string
	ttl    stdtime.Duration
	hasher PasswordHasher
	clock  Clock
}

// NewLocalProvider creates a LocalProvider. secret must be at least 32 bytes.
func NewLocalProvider(store *db.Store, secret, issuer string, ttl stdtime.Duration) *LocalProvider {
	if ttl <= 0 {
		ttl = DefaultSessionDuration
	}
	return &LocalProvider{
		store:  store,
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		hasher: BcryptHasher{Cost: BcryptCost},
		clock:  realClock{},
	}
}

// SetClock replaces the clock used by the provider. Intended for testing.
func (p *LocalProvider) SetClock(c Clock) {
	p.clock = c
}

// SetHasher replaces the password hasher. Intended for testing.
func (p *LocalProvider) SetHasher(h PasswordHasher) {
	p.hasher = h
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Signup(ctx context.Context, email, password string) (*Identity, error) {
	if err := ValidateSignup(email, password); err != nil {
		return nil, err
	}
	hash, err := p.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := p.store.CreateUser(ctx, uuid.NewString(), email, hash, DefaultRole)
	if errors.Is(err, db.ErrDuplicate) {
		return nil, errAccountExists(err)
	}
	if err != nil {
		return nil, err
	}
	obs.From(ctx).Info("user registered", "user_id", user.ID)
	return &Identity{SubjectID: user.ID, Email: user.Email, Role: user.Role}, nil
}

func (p *LocalProvider) Login(ctx context.Context, email, password string) (*Session, *Identity, error) {
	if err := ValidateLogin(email, password); err != nil {
		return nil, nil, err
	}
	user, err := p.store.GetUserByEmail(ctx, email)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, errInvalidCredentials(err)
	}
	if err != nil {
		return nil, nil, err
	}
	if !p.hasher.VerifyPassword(password, user.PasswordHash) {
		return nil, nil, errInvalidCredentials(nil)
	}

	identity := &Identity{SubjectID: user.ID, Email: user.Email, Role: user.Role}
	session, err := p.issue(identity)
	if err != nil {
		return nil, nil, err
	}
	return session, identity, nil
}

func (p *LocalProvider) issue(identity *Identity) (*Session, error) {
	now := p.clock.Now()
	expires := now.Add(p.ttl)
	claims := sessionClaims{
		Email: identity.Email,
		Role:  identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.SubjectID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &Session{
		SubjectID: identity.SubjectID,
		Token:     signed,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

func (p *LocalProvider) parse(token string) (*sessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("auth: token has no subject")
	}
	return claims, nil
}

func (p *LocalProvider) Introspect(ctx context.Context, token string) (*Identity, error) {
	claims, err := p.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := p.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	role := claims.Role
	if role == "" {
		role = DefaultRole
	}
	return &Identity{SubjectID: claims.Subject, Email: claims.Email, Role: role}, nil
}

// Logout revokes token until its natural expiry.
func (p *LocalProvider) Logout(ctx context.Context, token string) error {
	claims, err := p.parse(token)
	if err != nil {
		return errs.Unauthorized(err)
	}
	if claims.ID == "" {
		return nil
	}
	return p.store.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time)
}

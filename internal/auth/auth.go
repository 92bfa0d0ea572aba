// Package auth is the relay's session gate and its identity providers.
// A provider issues and verifies bearer tokens; the Gate turns an
// Authorization header into an Identity or a generic 401.
package auth

import (
	"context"
	"regexp"
	"strings"
	stdtime "time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/extension-relay/internal/errs"
)

const (
	// BcryptCost is the work factor for local password hashes.
	BcryptCost = 10

	// MinPasswordLength is enforced at signup.
	MinPasswordLength = 8

	// DefaultRole is assigned to new accounts.
	DefaultRole = "user"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Identity is the authenticated caller.
type Identity struct {
	SubjectID string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

// Session is an issued bearer token.
type Session struct {
	SubjectID string
	Token     string
	IssuedAt  stdtime.Time
	ExpiresAt stdtime.Time
}

// Provider issues and verifies sessions.
type Provider interface {
	Name() string
	Login(ctx context.Context, email, password string) (*Session, *Identity, error)
	Signup(ctx context.Context, email, password string) (*Identity, error)
	Logout(ctx context.Context, token string) error
	// Introspect verifies token without side effects.
	Introspect(ctx context.Context, token string) (*Identity, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() stdtime.Time
}

// realClock implements Clock using the real system stdtime.
type realClock struct{}

func (realClock) Now() stdtime.Time { return stdtime.Now() }

// PasswordHasher hashes and verifies local account passwords.
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(password, encodedHash string) bool
}

// BcryptHasher is the production PasswordHasher.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) HashPassword(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = BcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (BcryptHasher) VerifyPassword(password, encodedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password)) == nil
}

// ValidateSignup checks the signup payload in the order clients expect errors.
func ValidateSignup(email, password string) error {
	if err := ValidateLogin(email, password); err != nil {
		return err
	}
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return errs.New(errs.InvalidArgument, "Invalid email format")
	}
	if len(password) < MinPasswordLength {
		return errs.New(errs.InvalidArgument, "Password must be at least 8 characters long")
	}
	return nil
}

// ValidateLogin checks that both credentials are present.
func ValidateLogin(email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return errs.New(errs.InvalidArgument, "Email and password are required")
	}
	return nil
}

func errInvalidCredentials(cause error) error {
	return errs.Wrap(errs.Unauthenticated, "Invalid email or password", cause)
}

func errAccountExists(cause error) error {
	return errs.Wrap(errs.Conflict, "User with this email already exists", cause)
}

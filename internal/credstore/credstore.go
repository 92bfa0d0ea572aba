// Package credstore persists the client-side session token and per-user
// preferences. Backends are interchangeable: a JSON file, the OS keychain, or
// memory for tests.
package credstore

import (
	"errors"
	"strings"
)

// Well-known keys.
const (
	KeyAuthToken           = "authToken"
	KeyBackendURL          = "backendUrl"
	KeySystemPrompt        = "systemPrompt"
	KeyConnectSystemPrompt = "connectSystemPrompt"
	KeyPostHogConfig       = "posthogConfig"
)

// ErrNotFound is returned by backends for a missing key.
var ErrNotFound = errors.New("credstore: key not found")

// Backend is a string key-value store. Delete of a missing key is not an error.
type Backend interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Store layers the token contract over a Backend. The token's expiry is never
// checked locally; the relay is the authority.
type Store struct {
	backend Backend
}

// New wraps backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the value for key, or false when it is not set.
func (s *Store) Get(key string) (string, bool, error) {
	v, err := s.backend.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	return s.backend.Set(key, value)
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	return s.backend.Delete(key)
}

// Token returns the cached bearer token.
func (s *Store) Token() (string, bool) {
	tok, ok, err := s.Get(KeyAuthToken)
	if err != nil || !ok || strings.TrimSpace(tok) == "" {
		return "", false
	}
	return tok, true
}

// SetToken caches a bearer token.
func (s *Store) SetToken(token string) error {
	return s.Set(KeyAuthToken, token)
}

// ClearToken removes the cached token. Safe to call with nothing stored.
func (s *Store) ClearToken() error {
	return s.Delete(KeyAuthToken)
}

// IsAuthenticated reports whether a token is cached.
func (s *Store) IsAuthenticated() bool {
	_, ok := s.Token()
	return ok
}

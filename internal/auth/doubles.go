package auth

import (
	"crypto/subtle"
	"strings"
	"sync"
	stdtime "time"
)

// ManualClock only moves when told to. Safe to share between a test and the
// server it drives.
type ManualClock struct {
	mu sync.Mutex
	at stdtime.Time
}

func NewManualClock(at stdtime.Time) *ManualClock { return &ManualClock{at: at} }

func (c *ManualClock) Now() stdtime.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

// Advance moves the clock forward by d; past token expiry, for instance.
func (c *ManualClock) Advance(d stdtime.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

const plaintextTag = "plain:"

// PlaintextHasher skips bcrypt so tests that register many accounts stay
// fast. Never wire it into a running server.
type PlaintextHasher struct{}

func (PlaintextHasher) HashPassword(password string) (string, error) {
	return plaintextTag + password, nil
}

func (PlaintextHasher) VerifyPassword(password, stored string) bool {
	rest, ok := strings.CutPrefix(stored, plaintextTag)
	return ok && subtle.ConstantTimeCompare([]byte(rest), []byte(password)) == 1
}

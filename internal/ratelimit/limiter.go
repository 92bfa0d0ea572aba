// Package ratelimit throttles callers by identity or client address, with a
// higher allowance for paid subscribers.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is the token bucket shape per tier, plus how long an idle caller's
// bucket is kept.
type Config struct {
	FreeRPS         float64
	FreeBurst       int
	PaidRPS         float64
	PaidBurst       int
	CleanupInterval time.Duration
}

// DefaultConfig applies when RATE_LIMIT_* is unset.
var DefaultConfig = Config{
	FreeRPS:         10,
	FreeBurst:       20,
	PaidRPS:         1000,
	PaidBurst:       2000,
	CleanupInterval: time.Hour,
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
}

type bucket struct {
	lim  *rate.Limiter
	paid bool
	seen time.Time
}

// RateLimiter keeps one bucket per caller key. A caller whose tier changes
// (trial to paid, or back) starts over with a full bucket of the new tier.
type RateLimiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	stopped  sync.WaitGroup
}

// NewRateLimiter starts the idle-bucket sweeper; call Stop to end it.
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig.CleanupInterval
	}
	rl := &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	rl.stopped.Add(1)
	go rl.sweepEvery(cfg.CleanupInterval)
	return rl
}

// SetClock replaces the clock used for both refill and idle tracking.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	rl.now = now
	rl.mu.Unlock()
}

// Take spends one token from the caller's bucket if one is available. A
// denied request spends nothing.
func (rl *RateLimiter) Take(c Caller) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[c.Key]
	if !ok || b.paid != c.IsPaid {
		rps, burst := rl.cfg.FreeRPS, rl.cfg.FreeBurst
		if c.IsPaid {
			rps, burst = rl.cfg.PaidRPS, rl.cfg.PaidBurst
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(rps), burst), paid: c.IsPaid}
		rl.buckets[c.Key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Second}
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: wait}
	}
	return Decision{Allowed: true, Remaining: max(int(b.lim.TokensAt(now)), 0)}
}

// Sweep forgets callers idle for longer than CleanupInterval.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.cfg.CleanupInterval)
	for k, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

func (rl *RateLimiter) sweepEvery(d time.Duration) {
	defer rl.stopped.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-t.C:
			rl.Sweep()
		}
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
	rl.stopped.Wait()
}

// Len is the number of callers currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Package ratelimit throttles tracking and page-event calls per visitor with
// token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a Limiter.
type Config struct {
	// Rate is the number of calls per second a key regains.
	Rate float64
	// Burst is the bucket size.
	Burst int
	// MaxKeys bounds the number of tracked keys. Idle keys are pruned first.
	MaxKeys int
}

const defaultMaxKeys = 10000

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

func newBucket(cfg Config, now func() time.Time) *Bucket {
	return &Bucket{
		tokens:     float64(cfg.Burst),
		maxTokens:  float64(cfg.Burst),
		refillRate: cfg.Rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait returns how long until the next token.
func (b *Bucket) Wait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
}

func (b *Bucket) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens >= b.maxTokens
}

// refill must be called with the lock held.
func (b *Bucket) refill() {
	now := b.now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// Limiter keeps one bucket per key. A nil Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	cfg     Config
	now     func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. A non-positive rate returns nil, which allows every
// call.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Rate <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.Rate*2) + 1
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	l := &Limiter{buckets: make(map[string]*Bucket), cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether key may make a call now, and if not how long to wait.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	b := l.bucket(key)
	if b.Allow() {
		return true, 0
	}
	return false, b.Wait()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.cfg.MaxKeys {
		l.prune()
	}
	b := newBucket(l.cfg, l.now)
	l.buckets[key] = b
	return b
}

// prune drops keys whose buckets have refilled, and if none have, every key.
// Must be called with the lock held.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		if b.full() {
			delete(l.buckets, key)
		}
	}
	if len(l.buckets) >= l.cfg.MaxKeys {
		clear(l.buckets)
	}
}

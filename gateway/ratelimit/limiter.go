// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"sync"
	"time"
)

// Rate limit scopes.
const (
	ScopePerIP  = "per_ip"
	ScopeGlobal = "global"
)

// globalIdentity is the single bucket identity used in global scope.
const globalIdentity = "global"

const (
	// defaultIdleTTL is how long a bucket may sit untouched before the
	// sweeper drops it. A reclaimed identity simply starts a fresh, full
	// bucket on its next request.
	defaultIdleTTL = 5 * time.Minute
	sweepInterval  = time.Minute
)

// Config controls request rate limiting.
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	Scope             string
	// IdleTTL overrides the bucket reclaim window; zero means the
	// default.
	IdleTTL time.Duration
}

// Identity maps a client IP to its rate limit bucket identity.
func (c Config) Identity(clientIP string) string {
	if c.Scope == ScopeGlobal {
		return globalIdentity
	}
	return clientIP
}

// bucket is one token bucket. Buckets start full so a new identity can
// immediately spend its whole burst.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter is an in-process token bucket rate limiter keyed by identity.
// Tokens refill continuously at RequestsPerSecond up to BurstSize. A
// background sweeper reclaims buckets idle for more than the configured
// idle TTL.
type Limiter struct {
	cfg     Config
	idleTTL time.Duration
	mu      sync.RWMutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewLimiter creates a limiter and, when enabled, starts its sweeper.
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		idleTTL: cfg.IdleTTL,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	if l.idleTTL <= 0 {
		l.idleTTL = defaultIdleTTL
	}
	if cfg.Enabled {
		go l.sweeper()
	}
	return l
}

// Allow spends one token from the identity's bucket. A disabled limiter
// admits everything.
func (l *Limiter) Allow(identity string) bool {
	if !l.cfg.Enabled {
		return true
	}

	now := l.now()
	b := l.bucket(identity, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.cfg.RequestsPerSecond
		if max := float64(l.cfg.BurstSize); b.tokens > max {
			b.tokens = max
		}
		b.lastRefill = now
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the sweeper. The limiter remains usable afterwards.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// bucket returns the identity's bucket, creating a full one on first use.
func (l *Limiter) bucket(identity string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[identity]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[identity]; ok {
		return b
	}
	b = &bucket{
		tokens:     float64(l.cfg.BurstSize),
		lastRefill: now,
		lastSeen:   now,
	}
	l.buckets[identity] = b
	return b
}

func (l *Limiter) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops buckets that have been idle past the reclaim window.
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for identity, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, identity)
		}
	}
}

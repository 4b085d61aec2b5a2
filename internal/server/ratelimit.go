package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lawnchairsociety/tokenrealms/server/internal/config"
)

// SignatureGuard tracks rejected init-data signatures per IP and locks out
// clients that keep sending forged payloads.
type SignatureGuard struct {
	mu                sync.Mutex
	attempts          map[string]*attemptInfo
	maxFailures       int
	lockoutSeconds    int
	maxLockoutSeconds int
	cleanupInterval   time.Duration
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

type attemptInfo struct {
	failures     int
	lockedUntil  time.Time
	lockoutCount int // Number of times locked out (for exponential backoff)
}

// NewSignatureGuard creates a guard with the given config.
func NewSignatureGuard(cfg config.RateLimitConfig) *SignatureGuard {
	g := &SignatureGuard{
		attempts:          make(map[string]*attemptInfo),
		maxFailures:       cfg.MaxFailures,
		lockoutSeconds:    cfg.LockoutSeconds,
		maxLockoutSeconds: cfg.MaxLockoutSeconds,
		cleanupInterval:   5 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}

	// Use sensible defaults if not configured
	if g.maxFailures == 0 {
		g.maxFailures = 5
	}
	if g.lockoutSeconds == 0 {
		g.lockoutSeconds = 30
	}
	if g.maxLockoutSeconds == 0 {
		g.maxLockoutSeconds = 300
	}

	go g.cleanupLoop()

	return g
}

// Stop stops the cleanup goroutine.
func (g *SignatureGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}

// IsLocked reports whether ip is locked out and for how much longer.
func (g *SignatureGuard) IsLocked(ip string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	info, exists := g.attempts[ip]
	if !exists {
		return false, 0
	}

	if time.Now().Before(info.lockedUntil) {
		return true, time.Until(info.lockedUntil)
	}

	return false, 0
}

// RecordFailure counts a rejected signature for ip.
// Returns true if the IP is now locked out, along with the lockout duration.
func (g *SignatureGuard) RecordFailure(ip string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	info, exists := g.attempts[ip]
	if !exists {
		info = &attemptInfo{}
		g.attempts[ip] = info
	}

	if time.Now().Before(info.lockedUntil) {
		return true, time.Until(info.lockedUntil)
	}

	info.failures++
	if info.failures < g.maxFailures {
		return false, 0
	}

	info.lockoutCount++
	lockout := g.lockoutDuration(info.lockoutCount)
	info.lockedUntil = time.Now().Add(lockout)
	info.failures = 0 // Reset for the next round
	return true, lockout
}

// lockoutDuration doubles the base lockout for every previous lockout, capped
// at the maximum.
func (g *SignatureGuard) lockoutDuration(lockoutCount int) time.Duration {
	d := time.Duration(g.lockoutSeconds) * time.Second
	maxD := time.Duration(g.maxLockoutSeconds) * time.Second
	for i := 1; i < lockoutCount; i++ {
		// Check before multiplication to prevent overflow
		if d >= maxD/2 {
			return maxD
		}
		d *= 2
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// RecordSuccess clears the failure count for ip.
func (g *SignatureGuard) RecordSuccess(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if info, ok := g.attempts[ip]; ok && !time.Now().Before(info.lockedUntil) {
		delete(g.attempts, ip)
	}
}

// Failures returns the current failure count for ip.
func (g *SignatureGuard) Failures(ip string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if info, exists := g.attempts[ip]; exists {
		return info.failures
	}
	return 0
}

func (g *SignatureGuard) cleanupLoop() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCleanup:
			return
		case <-ticker.C:
			g.cleanup(time.Now())
		}
	}
}

// cleanup removes entries that have been unlocked for at least 10 minutes
// and have no recent failures.
func (g *SignatureGuard) cleanup(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-10 * time.Minute)
	for ip, info := range g.attempts {
		if info.lockedUntil.Before(cutoff) && info.failures == 0 {
			delete(g.attempts, ip)
		}
	}
}

// RequestLimiter is a token bucket per client IP.
type RequestLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRequestLimiter returns nil when cfg disables request limiting.
func NewRequestLimiter(cfg config.RateLimitConfig) *RequestLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &RequestLimiter{
		limiters: make(map[string]*visitor),
		rps:      rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether ip may make another request now.
func (l *RequestLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	v, ok := l.limiters[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Prune forgets IPs not seen for a while.
func (l *RequestLimiter) Prune(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.limiters {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.limiters, ip)
		}
	}
}

// Tracked returns how many IPs currently have a bucket.
func (l *RequestLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Package guardrail implements the creation cooldown, request rate limit,
// login rate limit/lockout, registration rate limit, and reserved-name check
// that protect the control plane from abuse. The per-tenant store cap is
// enforced by the HTTP handler, not here. The Redis counter pattern is
// adapted from the teacher's login rate limiter
// (internal/auth/ratelimit.go): pipelined INCR+EXPIRE, TTL-derived retry-at.
package guardrail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a generic Redis-backed fixed-window counter keyed by an
// arbitrary string, shared by the request, login, and registration limiters.
type Limiter struct {
	redis  *redis.Client
	prefix string
	max    int
	window time.Duration
}

// NewLimiter builds a windowed counter limiter.
func NewLimiter(rdb *redis.Client, prefix string, max int, window time.Duration) *Limiter {
	return &Limiter{redis: rdb, prefix: prefix, max: max, window: window}
}

// Result is the outcome of a limiter check.
type Result struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

func (l *Limiter) key(id string) string {
	return fmt.Sprintf("%s:%s", l.prefix, id)
}

// Allow increments the counter for id and reports whether the caller stayed
// within the window's limit.
func (l *Limiter) Allow(ctx context.Context, id string) (*Result, error) {
	key := l.key(id)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("incrementing limiter counter: %w", err)
	}

	count := incr.Val()
	if count == 1 {
		l.redis.Expire(ctx, key, l.window)
	}

	if int(count) > l.max {
		ttl, err := l.redis.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading limiter ttl: %w", err)
		}
		return &Result{Allowed: false, RetryAfterSeconds: int(ttl.Seconds())}, nil
	}

	return &Result{Allowed: true, Remaining: l.max - int(count)}, nil
}

// Reset clears the counter for id.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	return l.redis.Del(ctx, l.key(id)).Err()
}

// Lockout tracks consecutive login failures per (ip, email) key and imposes
// a lockout window after too many.
type Lockout struct {
	redis          *redis.Client
	maxFailures    int
	lockoutWindow  time.Duration
	failureWindow  time.Duration
}

// NewLockout builds a Lockout guard.
func NewLockout(rdb *redis.Client, maxFailures int, lockoutWindow, failureWindow time.Duration) *Lockout {
	return &Lockout{redis: rdb, maxFailures: maxFailures, lockoutWindow: lockoutWindow, failureWindow: failureWindow}
}

func lockoutKey(ip, email string) string   { return fmt.Sprintf("lockout:%s:%s", ip, email) }
func failuresKey(ip, email string) string  { return fmt.Sprintf("login_failures:%s:%s", ip, email) }

// IsLocked reports whether (ip, email) is currently locked out, and for how
// many more seconds.
func (lo *Lockout) IsLocked(ctx context.Context, ip, email string) (bool, int, error) {
	ttl, err := lo.redis.TTL(ctx, lockoutKey(ip, email)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("checking lockout: %w", err)
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, int(ttl.Seconds()), nil
}

// RecordFailure increments the consecutive-failure counter and locks the
// account out once maxFailures is reached.
func (lo *Lockout) RecordFailure(ctx context.Context, ip, email string) error {
	key := failuresKey(ip, email)
	n, err := lo.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("recording login failure: %w", err)
	}
	if n == 1 {
		lo.redis.Expire(ctx, key, lo.failureWindow)
	}
	if int(n) >= lo.maxFailures {
		if err := lo.redis.Set(ctx, lockoutKey(ip, email), "1", lo.lockoutWindow).Err(); err != nil {
			return fmt.Errorf("locking account: %w", err)
		}
		lo.redis.Del(ctx, key)
	}
	return nil
}

// RecordSuccess clears the failure counter and any active lockout.
func (lo *Lockout) RecordSuccess(ctx context.Context, ip, email string) error {
	pipe := lo.redis.Pipeline()
	pipe.Del(ctx, failuresKey(ip, email))
	pipe.Del(ctx, lockoutKey(ip, email))
	_, err := pipe.Exec(ctx)
	return err
}

// CooldownTracker enforces a per-tenant minimum interval between accepted
// store creations. Kept in-process (not Redis) since a short-lived in-memory
// map matches the teacher's opportunistic-GC style for small, per-process
// bookkeeping; size-capped per the "cap in-memory maps" requirement.
type CooldownTracker struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
	maxSize  int
}

// NewCooldownTracker builds a CooldownTracker with the given cooldown window.
func NewCooldownTracker(window time.Duration) *CooldownTracker {
	return &CooldownTracker{
		window:   window,
		lastSeen: make(map[string]time.Time),
		maxSize:  10000,
	}
}

// Check reports whether ownerID may create a store now, and the seconds
// remaining if not.
func (c *CooldownTracker) Check(ownerID string) (allowed bool, retryAfterSeconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastSeen[ownerID]
	if !ok {
		return true, 0
	}
	elapsed := time.Since(last)
	if elapsed >= c.window {
		return true, 0
	}
	return false, int((c.window - elapsed + time.Second - 1) / time.Second)
}

// Record marks ownerID's last creation attempt as now. Recorded on attempt,
// not on success, so a slow or failing provisioning workflow still blocks a
// rapid-fire retry loop (see DESIGN.md open question 2).
func (c *CooldownTracker) Record(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.lastSeen) >= c.maxSize {
		c.gcLocked()
	}
	c.lastSeen[ownerID] = time.Now()
}

// gcLocked opportunistically drops entries older than the cooldown window.
// Caller must hold c.mu.
func (c *CooldownTracker) gcLocked() {
	cutoff := time.Now().Add(-c.window)
	for k, v := range c.lastSeen {
		if v.Before(cutoff) {
			delete(c.lastSeen, k)
		}
	}
}

// reservedNames are store names that would collide with platform-reserved
// subdomains or read as impersonation if allowed.
var reservedNames = map[string]bool{
	"admin": true, "api": true, "www": true, "app": true, "root": true,
	"storeforge": true, "status": true, "metrics": true, "health": true,
}

// ReservedName reports whether name is reserved and cannot be used for a store.
func ReservedName(name string) bool {
	return reservedNames[name]
}

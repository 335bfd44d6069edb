package main

import (
	"context"
	"log"
	"time"
)

// RateKey derives the rate-limit key for an identity. Guests are keyed by
// IP and fingerprint together: hopping IPs keeps the fingerprint's limit,
// spoofing the fingerprint keeps the IP's.
func RateKey(id Identity) string {
	if id.Authenticated() {
		return "user:" + id.UserID
	}
	return "guest:" + id.IP + ":" + id.Fingerprint
}

// LimitDecision is the outcome of one admission check.
type LimitDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces a fixed-window ceiling per rate key on the shared
// store. Rate limiting is best-effort: an unreachable store admits the
// request (fail-open) rather than turning the limiter into an availability
// dependency.
type RateLimiter struct {
	store Store
	cfg   LimitsConfig
}

func newRateLimiter(store Store, cfg LimitsConfig) *RateLimiter {
	return &RateLimiter{store: store, cfg: cfg}
}

// CheckAndConsume increments the key's window counter and admits the
// request while the counter stays at or under limit. The increment and the
// conditional window start are one atomic store operation, so two requests
// racing on a fresh window with limit=1 cannot both be admitted. Denied
// requests report the window's reset time.
func (rl *RateLimiter) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) LimitDecision {
	count, ttl, err := rl.store.IncrWindow(ctx, keyRateLimit+key, window)
	if err != nil {
		log.Printf("⚠️  ratelimit: store unreachable for %s, failing open: %v", key, err)
		return LimitDecision{Allowed: true, Remaining: limit}
	}
	resetAt := time.Now().Add(ttl)
	if count > int64(limit) {
		return LimitDecision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	return LimitDecision{Allowed: true, Remaining: limit - int(count), ResetAt: resetAt}
}

// Admit runs the full policy for an identity: unlimited tiers bypass the
// limiter entirely, everyone else consumes from their window.
func (rl *RateLimiter) Admit(ctx context.Context, id Identity) LimitDecision {
	limit := rl.cfg.LimitFor(id)
	if limit <= 0 {
		return LimitDecision{Allowed: true, Remaining: -1}
	}
	return rl.CheckAndConsume(ctx, RateKey(id), limit, rl.cfg.Window())
}

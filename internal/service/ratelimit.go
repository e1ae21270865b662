package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/port/limitstore"
)

const (
	rateLimitPrefix    = "ratelimit:"
	rateLimitComponent = "ratelimit"
)

// RateInfo describes the quota left for one key after a check.
type RateInfo struct {
	Limit     int
	Remaining int
	// ResetAt is when the oldest request in the window expires and frees a slot.
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter admits requests with a true sliding window per key. Store
// failures fail open with the full quota reported.
type RateLimiter struct {
	store   limitstore.Store
	metrics *otel.Metrics
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter over store.
func NewRateLimiter(store limitstore.Store, metrics *otel.Metrics) *RateLimiter {
	return &RateLimiter{store: store, metrics: metrics, now: time.Now}
}

// WithClock overrides the time source (tests).
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

// RateKey builds the store key for an identity within a resource class.
func RateKey(class, identity string) string {
	return rateLimitPrefix + class + ":" + identity
}

// Check evaluates one request against key.
func (l *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (bool, RateInfo) {
	now := l.now()
	res, err := l.store.SlidingWindow(ctx, key, now, window, limit)
	if err != nil {
		slog.WarnContext(ctx, "rate limit store unavailable, failing open",
			"component", rateLimitComponent, "key", key, "error", err)
		l.metrics.RecordFailOpen(ctx, rateLimitComponent)
		return true, RateInfo{Limit: limit, Remaining: limit, ResetAt: now.Add(window)}
	}

	info := RateInfo{Limit: limit, ResetAt: now.Add(window)}
	if !res.Oldest.IsZero() {
		info.ResetAt = res.Oldest.Add(window)
	}
	if !res.Allowed {
		info.RetryAfter = max(info.ResetAt.Sub(now), 0)
		return false, info
	}
	info.Remaining = max(limit-res.Count, 0)
	return true, info
}

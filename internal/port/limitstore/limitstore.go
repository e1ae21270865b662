// Package limitstore defines the port for the TTL key-value store backing
// account lockout and rate limiting. Every operation is atomic on its key.
package limitstore

import (
	"context"
	"time"
)

// WindowResult is the outcome of one sliding-window evaluation.
type WindowResult struct {
	// Allowed is true when the request was admitted and recorded.
	Allowed bool
	// Count is the number of requests in the window after the evaluation,
	// including the admitted one.
	Count int
	// Oldest is the timestamp of the oldest request still in the window.
	// Zero when the window is empty.
	Oldest time.Time
}

// Store is the port interface for counters, markers and request windows with expiry.
type Store interface {
	// IncrWithExpiry increments the integer at key. The TTL is set only when
	// the increment creates the key, so the window is fixed from the first
	// increment.
	// A missing key starts at zero.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the value at key.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetWithExpiry writes value with a TTL, replacing any previous value and TTL.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	// TTL returns the remaining lifetime of key. ok is false when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// SlidingWindow purges entries older than now-window, and records now
	// when fewer than limit entries remain. The key expires after 2*window.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

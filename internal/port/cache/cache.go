// Package cache defines the port for caching serialized trace lists of
// finished executions. Entries are immutable once written, so backends need
// no invalidation protocol beyond Delete.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrValueTooLarge is returned by Set when a backend refuses a value for its
// size. Callers treat it as a skipped write, not a failure.
var ErrValueTooLarge = errors.New("cache: value too large")

// Cache stores opaque values by key. A miss is (nil, false, nil). A ttl of 0
// leaves expiry to the backend.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

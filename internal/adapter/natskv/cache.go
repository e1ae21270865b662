// Package natskv is the shared L2 trace cache on a JetStream KV bucket, so
// every replica serves a finished execution's traces without a database read.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentDeck/internal/port/cache"
)

// headroom is left below the server payload limit for the KV subject and headers.
const headroom = 4 << 10

// Cache stores entries in a KV bucket. Expiry is the bucket TTL; the per-call
// ttl is ignored.
type Cache struct {
	kv       jetstream.KeyValue
	maxValue int64
}

// New wraps kv. maxPayload is the connection's message limit; values that
// would not fit are refused with cache.ErrValueTooLarge. Zero disables the check.
func New(kv jetstream.KeyValue, maxPayload int64) *Cache {
	maxValue := maxPayload - headroom
	if maxPayload <= 0 {
		maxValue = 0
	}
	return &Cache{kv: kv, maxValue: maxValue}
}

// keyReplacer maps "traces:42" style keys onto the KV key alphabet [-/_=.a-zA-Z0-9].
var keyReplacer = strings.NewReplacer(":", ".", " ", "_")

// Key converts a cache key into a valid KV key.
func Key(key string) string {
	return keyReplacer.Replace(key)
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, Key(key))
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if c.maxValue > 0 && int64(len(value)) > c.maxValue {
		return fmt.Errorf("%w: %d bytes for %s", cache.ErrValueTooLarge, len(value), key)
	}
	if _, err := c.kv.Put(ctx, Key(key), value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Delete is idempotent.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, Key(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

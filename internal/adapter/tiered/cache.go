// Package tiered layers the in-process trace cache over the shared one.
package tiered

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentDeck/internal/port/cache"
)

// Cache reads L1 then L2, backfilling L1 on an L2 hit, and writes both.
// L2 is advisory: its read and write failures are logged and reported as
// misses or successes. A size refusal from one level does not stop the
// other; Set reports cache.ErrValueTooLarge only when no level took the value.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New creates a tiered cache. l2 may be nil. l1Expire bounds how long an
// entry backfilled from L2 stays in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found || c.l2 == nil {
		return val, found, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "trace cache l2 get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, val, c.l1Expire); err != nil && !errors.Is(err, cache.ErrValueTooLarge) {
		slog.DebugContext(ctx, "trace cache l1 backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err1 := c.l1.Set(ctx, key, value, ttl)
	if err1 != nil && !errors.Is(err1, cache.ErrValueTooLarge) {
		return err1
	}
	if c.l2 == nil {
		return err1
	}
	err2 := c.l2.Set(ctx, key, value, ttl)
	switch {
	case err2 == nil:
		return nil
	case errors.Is(err2, cache.ErrValueTooLarge):
		return err1
	default:
		slog.WarnContext(ctx, "trace cache l2 set failed", "key", key, "error", err2)
		return err1
	}
}

// Delete removes from both levels. An L2 failure is returned because the
// stale L2 entry would be backfilled into L1 later.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}

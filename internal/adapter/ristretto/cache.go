// Package ristretto is the in-process trace cache, sized in megabytes and
// admitting entries by serialized length.
package ristretto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/AgentDeck/internal/port/cache"
)

// entryShare bounds one entry to 1/entryShare of capacity, so a single
// very long execution cannot flush every other trace list.
const entryShare = 8

// Cache is a cost-bounded L1 cache.
type Cache struct {
	c        *ristretto.Cache[string, []byte]
	maxEntry int64
}

// Stats is a snapshot of hit and admission counters.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Rejected uint64
	HitRatio float64
}

// New creates a cache holding at most maxSizeMB megabytes of values.
func New(maxSizeMB int64) (*Cache, error) {
	if maxSizeMB <= 0 {
		return nil, errors.New("ristretto: max size must be positive")
	}
	maxCost := maxSizeMB << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// a serialized trace list is a few KB; ~10 counters per expected item
		NumCounters: maxCost / 4096 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c, maxEntry: maxCost / entryShare}, nil
}

func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	return val, found, nil
}

// Set stores value at a cost of its length. Oversized values are refused
// with cache.ErrValueTooLarge. Accepted writes are visible to the next Get.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if int64(len(value)) > c.maxEntry {
		return fmt.Errorf("%w: %d bytes for %s", cache.ErrValueTooLarge, len(value), key)
	}
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Stats reports counters since creation.
func (c *Cache) Stats() Stats {
	m := c.c.Metrics
	return Stats{
		Hits:     m.Hits(),
		Misses:   m.Misses(),
		Rejected: m.SetsRejected(),
		HitRatio: m.Ratio(),
	}
}

func (c *Cache) Close() {
	c.c.Close()
}

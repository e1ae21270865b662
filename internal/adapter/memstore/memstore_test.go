package memstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/memstore"
	"github.com/Strob0t/AgentDeck/internal/port/limitstore/limitstoretest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCompliance(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	limitstoretest.RunComplianceTests(t, s)
}

func TestIncrExpires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := memstore.New(memstore.WithClock(clock.Now))
	ctx := context.Background()

	if _, err := s.IncrWithExpiry(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Second)
	if n, _ := s.IncrWithExpiry(ctx, "k", time.Minute); n != 2 {
		t.Fatalf("second incr = %d, want 2", n)
	}
	// the window runs from the first increment, not the latest
	clock.Advance(30 * time.Second)
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatal("key outlived the window of its first increment")
	}
	if n, _ := s.IncrWithExpiry(ctx, "k", time.Minute); n != 1 {
		t.Fatalf("incr after expiry = %d, want 1", n)
	}
}

func TestSetWithExpiryAndTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := memstore.New(memstore.WithClock(clock.Now))
	ctx := context.Background()

	_ = s.SetWithExpiry(ctx, "lock", "1", 15*time.Minute)
	clock.Advance(5 * time.Minute)
	ttl, ok, err := s.TTL(ctx, "lock")
	if err != nil || !ok || ttl != 10*time.Minute {
		t.Fatalf("TTL = %v, %v, %v; want 10m", ttl, ok, err)
	}
	clock.Advance(10 * time.Minute)
	if _, found, _ := s.Get(ctx, "lock"); found {
		t.Fatal("expected lock to expire")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after expiry", s.Len())
	}
}

func TestSlidingWindowPurgesOnlyOldEntries(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, off := range []time.Duration{0, 20 * time.Second, 40 * time.Second} {
		res, _ := s.SlidingWindow(ctx, "w", t0.Add(off), time.Minute, 3)
		if !res.Allowed {
			t.Fatalf("request at %v denied", off)
		}
	}
	// t=61s: only the t=0 entry has left the window.
	res, _ := s.SlidingWindow(ctx, "w", t0.Add(61*time.Second), time.Minute, 3)
	if !res.Allowed || res.Count != 3 {
		t.Fatalf("t=61s: %+v", res)
	}
	if !res.Oldest.Equal(t0.Add(20 * time.Second)) {
		t.Fatalf("Oldest = %v", res.Oldest)
	}
	res, _ = s.SlidingWindow(ctx, "w", t0.Add(62*time.Second), time.Minute, 3)
	if res.Allowed {
		t.Fatal("t=62s should be denied: 3 requests in window")
	}
}

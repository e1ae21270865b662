// Package limitstoretest holds the behaviour suite every limitstore.Store
// adapter runs in its own tests.
package limitstoretest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/port/limitstore"
)

// RunComplianceTests runs the standard compliance test suite against any
// Store implementation. Keys are prefixed so suites can share a store.
func RunComplianceTests(t *testing.T, s limitstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("IncrWithExpiry", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := s.IncrWithExpiry(ctx, "c:incr", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Fatalf("incr #%d = %d", want, got)
			}
		}
		ttl, ok, err := s.TTL(ctx, "c:incr")
		if err != nil {
			t.Fatal(err)
		}
		if !ok || ttl <= 0 || ttl > time.Minute {
			t.Fatalf("TTL = %v, %v; want (0, 1m]", ttl, ok)
		}
		v, found, err := s.Get(ctx, "c:incr")
		if err != nil || !found || v != "3" {
			t.Fatalf("Get = %q, %v, %v", v, found, err)
		}
	})

	t.Run("IncrKeepsFirstExpiry", func(t *testing.T) {
		if _, err := s.IncrWithExpiry(ctx, "c:incr:fixed", time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, err := s.IncrWithExpiry(ctx, "c:incr:fixed", time.Hour); err != nil {
			t.Fatal(err)
		}
		ttl, ok, err := s.TTL(ctx, "c:incr:fixed")
		if err != nil {
			t.Fatal(err)
		}
		if !ok || ttl <= 0 || ttl > time.Minute {
			t.Fatalf("TTL = %v, %v; want the first increment's (0, 1m]", ttl, ok)
		}
	})

	t.Run("ConcurrentIncr", func(t *testing.T) {
		const n = 50
		var wg sync.WaitGroup
		seen := make(chan int64, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := s.IncrWithExpiry(ctx, "c:concurrent", time.Minute)
				if err != nil {
					t.Error(err)
					return
				}
				seen <- v
			}()
		}
		wg.Wait()
		close(seen)
		got := make(map[int64]bool)
		for v := range seen {
			if got[v] {
				t.Fatalf("value %d returned twice", v)
			}
			got[v] = true
		}
		if len(got) != n {
			t.Fatalf("expected %d distinct values, got %d", n, len(got))
		}
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		if err := s.SetWithExpiry(ctx, "c:marker", "1", time.Minute); err != nil {
			t.Fatal(err)
		}
		v, found, err := s.Get(ctx, "c:marker")
		if err != nil || !found || v != "1" {
			t.Fatalf("Get = %q, %v, %v", v, found, err)
		}
		n, err := s.Delete(ctx, "c:marker", "c:never")
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("Delete removed %d keys, want 1", n)
		}
		if _, found, _ := s.Get(ctx, "c:marker"); found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := s.Get(ctx, "c:nonexistent")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
		if _, ok, err := s.TTL(ctx, "c:nonexistent"); err != nil || ok {
			t.Fatalf("TTL of missing key = %v, %v", ok, err)
		}
	})

	t.Run("SlidingWindow", func(t *testing.T) {
		now := time.Now()
		for i := 1; i <= 3; i++ {
			res, err := s.SlidingWindow(ctx, "c:window", now, time.Minute, 3)
			if err != nil {
				t.Fatal(err)
			}
			if !res.Allowed || res.Count != i {
				t.Fatalf("request %d: %+v", i, res)
			}
		}
		res, err := s.SlidingWindow(ctx, "c:window", now, time.Minute, 3)
		if err != nil {
			t.Fatal(err)
		}
		if res.Allowed || res.Count != 3 {
			t.Fatalf("4th request: %+v", res)
		}
		if res.Oldest.Sub(now).Abs() > time.Millisecond {
			t.Fatalf("Oldest = %v, want %v", res.Oldest, now)
		}

		later := now.Add(61 * time.Second)
		res, err = s.SlidingWindow(ctx, "c:window", later, time.Minute, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed || res.Count != 1 {
			t.Fatalf("after window: %+v", res)
		}
	})

	t.Run("SlidingWindowZeroLimit", func(t *testing.T) {
		for _, limit := range []int{0, -1} {
			res, err := s.SlidingWindow(ctx, fmt.Sprintf("c:window:limit%d", limit), time.Now(), time.Minute, limit)
			if err != nil {
				t.Fatal(err)
			}
			if res.Allowed || res.Count != 0 || !res.Oldest.IsZero() {
				t.Fatalf("limit %d: %+v; want denied with an empty window", limit, res)
			}
		}
	})

	t.Run("SlidingWindowIsolatedKeys", func(t *testing.T) {
		now := time.Now()
		for i := range 2 {
			key := fmt.Sprintf("c:iso:%d", i)
			res, err := s.SlidingWindow(ctx, key, now, time.Minute, 1)
			if err != nil {
				t.Fatal(err)
			}
			if !res.Allowed {
				t.Fatalf("%s denied", key)
			}
		}
	})

	t.Run("SlidingWindowConcurrent", func(t *testing.T) {
		const limit = 10
		now := time.Now()
		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for range 40 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.SlidingWindow(ctx, "c:window:concurrent", now, time.Minute, limit)
				if err != nil {
					t.Error(err)
					return
				}
				if res.Allowed {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if admitted != limit {
			t.Fatalf("admitted %d, want exactly %d", admitted, limit)
		}
	})
}

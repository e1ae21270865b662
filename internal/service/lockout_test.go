package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/memstore"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/port/limitstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// brokenStore fails every call, simulating an unreachable Redis.
type brokenStore struct{}

var errStoreDown = errors.New("dial tcp: connection refused")

func (brokenStore) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) Get(context.Context, string) (string, bool, error) { return "", false, errStoreDown }
func (brokenStore) SetWithExpiry(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (brokenStore) TTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, errStoreDown
}
func (brokenStore) Delete(context.Context, ...string) (int64, error) { return 0, errStoreDown }
func (brokenStore) SlidingWindow(context.Context, string, time.Time, time.Duration, int) (limitstore.WindowResult, error) {
	return limitstore.WindowResult{}, errStoreDown
}
func (brokenStore) Ping(context.Context) error { return errStoreDown }

func newTestGuard(t *testing.T) (*LockoutGuard, *testClock) {
	t.Helper()
	clock := newTestClock()
	store := memstore.New(memstore.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })
	return NewLockoutGuard(store, config.Lockout{}, nil), clock
}

func TestLockoutThreshold(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		res := g.RecordFailedAttempt(ctx, "alice")
		if res.Locked {
			t.Fatalf("attempt %d locked early", i)
		}
		if res.Attempts != i || res.RemainingAttempts != 5-i {
			t.Fatalf("attempt %d: %+v", i, res)
		}
	}
	if g.IsLocked(ctx, "alice") {
		t.Fatal("locked after 4 attempts")
	}
	if st := g.Status(ctx, "alice"); st.RemainingAttempts != 1 || st.FailedAttempts != 4 {
		t.Fatalf("status after 4 = %+v", st)
	}

	res := g.RecordFailedAttempt(ctx, "alice")
	if !res.Locked || res.RemainingAttempts != 0 || res.LockoutDuration != 15*time.Minute {
		t.Fatalf("5th attempt = %+v", res)
	}
	if !g.IsLocked(ctx, "alice") {
		t.Fatal("expected locked")
	}
	st := g.Status(ctx, "alice")
	if !st.Locked || st.RemainingAttempts != 0 || st.UnlocksInSeconds != 900 || st.MaxAttempts != 5 {
		t.Fatalf("status when locked = %+v", st)
	}
}

func TestLockoutIdentityNormalized(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	g.RecordFailedAttempt(ctx, "Alice ")
	if st := g.Status(ctx, "alice"); st.FailedAttempts != 1 {
		t.Fatalf("normalized identity not shared: %+v", st)
	}
}

func TestLockoutWindowExpiry(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()

	for range 3 {
		g.RecordFailedAttempt(ctx, "bob")
	}
	clock.Advance(10*time.Minute + time.Second)

	res := g.RecordFailedAttempt(ctx, "bob")
	if res.Attempts != 1 {
		t.Fatalf("after window expiry attempts = %d, want 1", res.Attempts)
	}
}

func TestLockoutWindowRunsFromFirstFailure(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()

	for range 3 {
		g.RecordFailedAttempt(ctx, "dave")
	}
	clock.Advance(6 * time.Minute)
	if res := g.RecordFailedAttempt(ctx, "dave"); res.Attempts != 4 {
		t.Fatalf("attempts inside window = %d, want 4", res.Attempts)
	}
	// a later failure does not stretch the window
	clock.Advance(4*time.Minute + time.Second)
	res := g.RecordFailedAttempt(ctx, "dave")
	if res.Attempts != 1 || res.Locked {
		t.Fatalf("after first failure's window = %+v, want a fresh count of 1", res)
	}
}

func TestLockoutAutoExpires(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()
	for range 5 {
		g.RecordFailedAttempt(ctx, "carol")
	}
	if d, ok := g.RemainingLockout(ctx, "carol"); !ok || d != 15*time.Minute {
		t.Fatalf("RemainingLockout = %v, %v", d, ok)
	}
	clock.Advance(15*time.Minute + time.Second)
	if g.IsLocked(ctx, "carol") {
		t.Fatal("lock should have expired")
	}
	if _, ok := g.RemainingLockout(ctx, "carol"); ok {
		t.Fatal("RemainingLockout reported an expired lock")
	}
}

func TestLockoutResetOnSuccessAndUnlock(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for range 4 {
		g.RecordFailedAttempt(ctx, "dave")
	}
	g.RecordSuccessfulLogin(ctx, "dave")
	if st := g.Status(ctx, "dave"); st.FailedAttempts != 0 || st.RemainingAttempts != 5 {
		t.Fatalf("after success = %+v", st)
	}

	if g.Unlock(ctx, "dave") {
		t.Fatal("Unlock reported a lock that did not exist")
	}
	for range 5 {
		g.RecordFailedAttempt(ctx, "dave")
	}
	if !g.Unlock(ctx, "dave") {
		t.Fatal("Unlock did not report the existing lock")
	}
	if g.IsLocked(ctx, "dave") {
		t.Fatal("still locked after Unlock")
	}
	if res := g.RecordFailedAttempt(ctx, "dave"); res.Attempts != 1 {
		t.Fatalf("counter not reset by Unlock: %+v", res)
	}
}

func TestLockoutConcurrentAttemptsAlwaysLock(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordFailedAttempt(ctx, "eve")
		}()
	}
	wg.Wait()
	if !g.IsLocked(ctx, "eve") {
		t.Fatal("concurrent failures did not lock the identity")
	}
}

func TestLockoutFailsOpen(t *testing.T) {
	g := NewLockoutGuard(brokenStore{}, config.Lockout{MaxAttempts: 3}, nil)
	ctx := context.Background()

	res := g.RecordFailedAttempt(ctx, "frank")
	if res.Locked || res.Attempts != 0 || res.RemainingAttempts != 3 {
		t.Fatalf("RecordFailedAttempt = %+v", res)
	}
	if g.IsLocked(ctx, "frank") {
		t.Fatal("IsLocked must fail open")
	}
	if g.Unlock(ctx, "frank") {
		t.Fatal("Unlock must report false on store failure")
	}
	if _, ok := g.RemainingLockout(ctx, "frank"); ok {
		t.Fatal("RemainingLockout must fail open")
	}
	g.RecordSuccessfulLogin(ctx, "frank")
	if st := g.Status(ctx, "frank"); st.Locked || st.FailedAttempts != 0 || st.MaxAttempts != 3 {
		t.Fatalf("Status = %+v", st)
	}
}

// Package memstore implements the limitstore port in process memory.
// It serves single-instance deployments and tests; counters are not shared
// across replicas.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Strob0t/AgentDeck/internal/port/limitstore"
)

var _ limitstore.Store = (*Store)(nil)

type entry struct {
	value   string
	window  []time.Time // sorted ascending
	expires time.Time   // zero = no expiry
}

// Store is an in-memory limitstore.Store. One mutex guards all keys, which
// makes every operation atomic.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepInterval starts a goroutine evicting expired keys every interval.
// Call Close to stop it.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			go s.sweep(interval)
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// lookup returns the live entry for key, dropping it if expired.
// Must be called with s.mu held.
func (s *Store) lookup(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// IncrWithExpiry increments the counter at key; a new key expires after ttl.
func (s *Store) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	var n int64
	if e != nil {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	} else {
		e = &entry{}
		s.entries[key] = e
	}
	n++
	if n == 1 {
		e.expires = s.now().Add(ttl)
	}
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

// Get returns the value at key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return "", false, nil
	}
	return e.value, true, nil
}

// SetWithExpiry writes value with a TTL.
func (s *Store) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{value: value, expires: s.now().Add(ttl)}
	return nil
}

// TTL returns the remaining lifetime of key.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.expires.IsZero() {
		return 0, false, nil
	}
	return e.expires.Sub(s.now()), true, nil
}

// Delete removes keys and returns how many existed.
func (s *Store) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if s.lookup(k) != nil {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// SlidingWindow evaluates and records one request against the window at key.
func (s *Store) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration, limit int) (limitstore.WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}

	cutoff := now.Add(-window)
	// drop entries strictly older than the window start
	i := sort.Search(len(e.window), func(i int) bool { return !e.window[i].Before(cutoff) })
	e.window = e.window[i:]

	if len(e.window) >= limit {
		res := limitstore.WindowResult{Allowed: false, Count: len(e.window)}
		if len(e.window) > 0 {
			res.Oldest = e.window[0]
		}
		return res, nil
	}

	j := sort.Search(len(e.window), func(i int) bool { return e.window[i].After(now) })
	e.window = append(e.window, time.Time{})
	copy(e.window[j+1:], e.window[j:])
	e.window[j] = now
	e.expires = s.now().Add(2 * window)

	return limitstore.WindowResult{Allowed: true, Count: len(e.window), Oldest: e.window[0]}, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if s.lookup(k) != nil {
			n++
		}
	}
	return n
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		s.lookup(k)
	}
}

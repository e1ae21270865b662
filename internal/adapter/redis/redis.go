// Package redis implements the limitstore port on Redis. Multi-step
// operations run as Lua scripts so they are atomic server-side.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/AgentDeck/internal/port/limitstore"
	"github.com/Strob0t/AgentDeck/internal/resilience"
)

var _ limitstore.Store = (*Store)(nil)

// incrScript increments a counter, setting its expiry on the first increment.
// KEYS[1] = counter key
// ARGV[1] = ttl in milliseconds
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// slidingWindowScript evaluates one request against a sorted set of request
// timestamps (score = unix microseconds).
// KEYS[1] = window key
// ARGV[1] = now (micros)
// ARGV[2] = window start (micros); strictly older entries are purged
// ARGV[3] = limit
// ARGV[4] = unique member for this request
// ARGV[5] = key ttl in milliseconds
//
// Returns {allowed, count, oldest_score}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. ARGV[2])
local count = redis.call("ZCARD", key)
if count >= tonumber(ARGV[3]) then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    return {0, count, oldest[2] or "0"}
end
redis.call("ZADD", key, ARGV[1], ARGV[4])
redis.call("PEXPIRE", key, ARGV[5])
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {1, count + 1, oldest[2]}
`)

// Options configures the Redis connection.
type Options struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Store is a Redis-backed limitstore.Store. Calls go through a circuit
// breaker so an unreachable server fails fast.
type Store struct {
	client  redis.UniversalClient
	breaker *resilience.Breaker
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options, breaker *resilience.Breaker) (*Store, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		ro.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		ro.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		ro.WriteTimeout = opts.WriteTimeout
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	client := redis.NewClient(ro)
	s := NewWithClient(client, breaker)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// NewWithClient wraps an existing client. breaker may be nil.
func NewWithClient(client redis.UniversalClient, breaker *resilience.Breaker) *Store {
	return &Store{client: client, breaker: breaker}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) do(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(fn)
}

// IncrWithExpiry increments the counter at key; a new key expires after ttl.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.do(func() error {
		var err error
		n, err = incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		val   string
		found bool
	)
	err := s.do(func() error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, found, nil
}

// SetWithExpiry writes value with a TTL.
func (s *Store) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.do(func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining lifetime of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var d time.Duration
	err := s.do(func() error {
		var err error
		d, err = s.client.PTTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	// -2: missing key, -1: no expiry
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Delete removes keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := s.do(func() error {
		var err error
		n, err = s.client.Del(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

// SlidingWindow evaluates and records one request against the window at key.
func (s *Store) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (limitstore.WindowResult, error) {
	nowMicros := now.UnixMicro()
	args := []any{
		strconv.FormatInt(nowMicros, 10),
		strconv.FormatInt(nowMicros-window.Microseconds(), 10),
		limit,
		strconv.FormatInt(nowMicros, 10) + "-" + uuid.NewString(),
		(2 * window).Milliseconds(),
	}

	var vals []any
	err := s.do(func() error {
		var err error
		vals, err = slidingWindowScript.Run(ctx, s.client, []string{key}, args...).Slice()
		return err
	})
	if err != nil {
		return limitstore.WindowResult{}, fmt.Errorf("redis sliding window %s: %w", key, err)
	}
	if len(vals) != 3 {
		return limitstore.WindowResult{}, fmt.Errorf("redis sliding window %s: unexpected reply %v", key, vals)
	}

	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	res := limitstore.WindowResult{Allowed: allowed == 1, Count: int(count)}
	if score, ok := vals[2].(string); ok {
		if f, err := strconv.ParseFloat(score, 64); err == nil && f > 0 {
			res.Oldest = time.UnixMicro(int64(f))
		}
	}
	return res, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.do(func() error {
		return s.client.Ping(ctx).Err()
	})
}

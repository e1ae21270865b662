package service

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/port/limitstore"
)

const (
	lockoutAttemptsPrefix = "lockout:attempts:"
	lockoutLockedPrefix   = "lockout:locked:"
	lockoutComponent      = "lockout"
)

// AttemptResult is the outcome of recording one failed login.
type AttemptResult struct {
	Locked            bool          `json:"locked"`
	Attempts          int           `json:"attempts"`
	RemainingAttempts int           `json:"remaining_attempts"`
	LockoutDuration   time.Duration `json:"-"`
}

// LockoutStatus is the composite view of one identity's lockout state.
type LockoutStatus struct {
	Locked            bool `json:"locked"`
	FailedAttempts    int  `json:"failed_attempts"`
	RemainingAttempts int  `json:"remaining_attempts"`
	UnlocksInSeconds  int  `json:"unlocks_in_seconds"`
	MaxAttempts       int  `json:"max_attempts"`
}

// LockoutGuard tracks failed logins per identity and locks identities that
// exceed the threshold. Store failures fail open: they are logged, counted and
// answered as "not locked, no attempts".
type LockoutGuard struct {
	store   limitstore.Store
	cfg     config.Lockout
	metrics *otel.Metrics
}

// NewLockoutGuard creates a guard over store. Zero config values fall back to
// 5 attempts, a 10 minute window and a 15 minute lock.
func NewLockoutGuard(store limitstore.Store, cfg config.Lockout, metrics *otel.Metrics) *LockoutGuard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	return &LockoutGuard{store: store, cfg: cfg, metrics: metrics}
}

// MaxAttempts returns the configured threshold.
func (g *LockoutGuard) MaxAttempts() int { return g.cfg.MaxAttempts }

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (g *LockoutGuard) failOpen(ctx context.Context, op, identity string, err error) {
	slog.WarnContext(ctx, "lockout store unavailable, failing open",
		"component", lockoutComponent, "op", op, "identity", identity, "error", err)
	g.metrics.RecordFailOpen(ctx, lockoutComponent)
}

// RecordFailedAttempt counts one failed login. Reaching the threshold installs
// a lock for the configured duration and clears the counter.
func (g *LockoutGuard) RecordFailedAttempt(ctx context.Context, identity string) AttemptResult {
	id := normalizeIdentity(identity)
	attempts, err := g.store.IncrWithExpiry(ctx, lockoutAttemptsPrefix+id, g.cfg.Window)
	if err != nil {
		g.failOpen(ctx, "record_failed_attempt", id, err)
		return AttemptResult{RemainingAttempts: g.cfg.MaxAttempts}
	}

	n := clampInt(attempts)
	if n < g.cfg.MaxAttempts {
		return AttemptResult{Attempts: n, RemainingAttempts: g.cfg.MaxAttempts - n}
	}

	// Rewriting the same marker only refreshes its TTL, so concurrent
	// threshold crossings converge on one lock.
	if err := g.store.SetWithExpiry(ctx, lockoutLockedPrefix+id, "1", g.cfg.Duration); err != nil {
		g.failOpen(ctx, "install_lock", id, err)
		return AttemptResult{Attempts: n}
	}
	if _, err := g.store.Delete(ctx, lockoutAttemptsPrefix+id); err != nil {
		slog.WarnContext(ctx, "lockout counter reset failed", "component", lockoutComponent, "identity", id, "error", err)
	}
	slog.WarnContext(ctx, "identity locked", "component", lockoutComponent, "identity", id,
		"attempts", n, "duration", g.cfg.Duration.String())
	return AttemptResult{Locked: true, Attempts: n, LockoutDuration: g.cfg.Duration}
}

// RecordSuccessfulLogin clears the failure counter.
func (g *LockoutGuard) RecordSuccessfulLogin(ctx context.Context, identity string) {
	id := normalizeIdentity(identity)
	if _, err := g.store.Delete(ctx, lockoutAttemptsPrefix+id); err != nil {
		g.failOpen(ctx, "record_successful_login", id, err)
	}
}

// IsLocked reports whether a lock marker exists for identity.
func (g *LockoutGuard) IsLocked(ctx context.Context, identity string) bool {
	id := normalizeIdentity(identity)
	_, ok, err := g.store.Get(ctx, lockoutLockedPrefix+id)
	if err != nil {
		g.failOpen(ctx, "is_locked", id, err)
		return false
	}
	return ok
}

// RemainingLockout returns how long the lock on identity still holds.
func (g *LockoutGuard) RemainingLockout(ctx context.Context, identity string) (time.Duration, bool) {
	id := normalizeIdentity(identity)
	ttl, ok, err := g.store.TTL(ctx, lockoutLockedPrefix+id)
	if err != nil {
		g.failOpen(ctx, "remaining_lockout", id, err)
		return 0, false
	}
	return ttl, ok
}

// Unlock removes the lock and the failure counter, reporting whether a lock existed.
func (g *LockoutGuard) Unlock(ctx context.Context, identity string) bool {
	id := normalizeIdentity(identity)
	_, wasLocked, err := g.store.Get(ctx, lockoutLockedPrefix+id)
	if err != nil {
		g.failOpen(ctx, "unlock", id, err)
		return false
	}
	if _, err := g.store.Delete(ctx, lockoutLockedPrefix+id, lockoutAttemptsPrefix+id); err != nil {
		g.failOpen(ctx, "unlock", id, err)
		return false
	}
	if wasLocked {
		slog.InfoContext(ctx, "identity unlocked", "component", lockoutComponent, "identity", id)
	}
	return wasLocked
}

// Status returns the composite lockout state of identity.
func (g *LockoutGuard) Status(ctx context.Context, identity string) LockoutStatus {
	id := normalizeIdentity(identity)
	st := LockoutStatus{MaxAttempts: g.cfg.MaxAttempts, RemainingAttempts: g.cfg.MaxAttempts}

	raw, ok, err := g.store.Get(ctx, lockoutAttemptsPrefix+id)
	if err != nil {
		g.failOpen(ctx, "status", id, err)
		return st
	}
	if ok {
		st.FailedAttempts = parseCount(raw)
		st.RemainingAttempts = max(0, g.cfg.MaxAttempts-st.FailedAttempts)
	}

	ttl, locked, err := g.store.TTL(ctx, lockoutLockedPrefix+id)
	if err != nil {
		g.failOpen(ctx, "status", id, err)
		return st
	}
	if locked {
		st.Locked = true
		st.RemainingAttempts = 0
		st.UnlocksInSeconds = int(math.Ceil(ttl.Seconds()))
	}
	return st
}

func parseCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func clampInt(v int64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

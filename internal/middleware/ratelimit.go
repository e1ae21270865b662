package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/service"
)

// Rate limit classes.
const (
	ClassAuth      = "auth"
	ClassExecution = "execution"
	ClassAPI       = "api"
)

type rateLimitResponse struct {
	Error      string `json:"error"`
	Limit      int    `json:"limit"`
	RetryAfter int64  `json:"retry_after"`
	Reset      int64  `json:"reset"`
}

// RateLimit returns middleware that admits requests through the sliding
// window limiter. Login is limited per client IP; execution creation and
// start per user; every other authenticated request per user under the api
// class. It must run after Auth.
func RateLimit(limiter *service.RateLimiter, cfg config.RateLimit, metrics *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, identity, ok := classify(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			rc := classLimit(cfg, class)
			if rc.Limit <= 0 || rc.Window <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, info := limiter.Check(r.Context(), service.RateKey(class, identity), rc.Limit, rc.Window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

			if !allowed {
				retry := retrySeconds(info.RetryAfter)
				h.Set("Retry-After", strconv.FormatInt(retry, 10))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				if err := json.NewEncoder(w).Encode(rateLimitResponse{
					Error:      "rate limit exceeded",
					Limit:      info.Limit,
					RetryAfter: retry,
					Reset:      info.ResetAt.Unix(),
				}); err != nil {
					slog.ErrorContext(r.Context(), "failed to write rate limit response", "error", err)
				}
				metrics.RecordRateLimitDenial(r.Context(), class)
				slog.InfoContext(r.Context(), "rate limited", "class", class, "identity", identity, "retry_after", retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// classify maps a request to its rate class and identity. Public endpoints
// other than login are not limited.
func classify(r *http.Request) (class, identity string, ok bool) {
	if r.URL.Path == "/api/v1/auth/login" {
		return ClassAuth, realIP(r), true
	}
	if isPublic(r.URL.Path) {
		return "", "", false
	}

	identity = "ip:" + realIP(r)
	if u := UserFromContext(r.Context()); u != nil {
		identity = "user:" + strconv.FormatInt(u.ID, 10)
	}
	if isExecutionStart(r) {
		return ClassExecution, identity, true
	}
	return ClassAPI, identity, true
}

// isExecutionStart matches POST /api/v1/executions and
// POST /api/v1/executions/{id}/start.
func isExecutionStart(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	rest, ok := strings.CutPrefix(strings.TrimSuffix(r.URL.Path, "/"), "/api/v1/executions")
	if !ok {
		return false
	}
	if rest == "" {
		return true
	}
	parts := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	return len(parts) == 2 && parts[1] == "start"
}

func classLimit(cfg config.RateLimit, class string) config.RateClass {
	switch class {
	case ClassAuth:
		return cfg.Auth
	case ClassExecution:
		return cfg.Execution
	default:
		return cfg.API
	}
}

func retrySeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// realIP extracts the client IP from RemoteAddr.
// Proxy headers (X-Forwarded-For, X-Real-Ip) are NOT trusted here; deployments
// behind a proxy install chi's RealIP middleware, which rewrites RemoteAddr.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

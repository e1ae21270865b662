package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/memstore"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/service"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newLimitedHandler(t *testing.T, cfg config.RateLimit) http.Handler {
	t.Helper()
	clock := func() time.Time { return testNow }
	limiter := service.NewRateLimiter(memstore.New(memstore.WithClock(clock)), nil).WithClock(clock)
	return RateLimit(limiter, cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func testRateConfig() config.RateLimit {
	return config.RateLimit{
		Enabled:   true,
		Auth:      config.RateClass{Limit: 2, Window: time.Minute},
		Execution: config.RateClass{Limit: 1, Window: time.Minute},
		API:       config.RateClass{Limit: 3, Window: time.Minute},
	}
}

func request(method, path, ip string, u *user.User) *http.Request {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = ip + ":4711"
	if u != nil {
		req = req.WithContext(WithUser(req.Context(), u))
	}
	return req
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	handler := newLimitedHandler(t, testRateConfig())

	for i := range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request(http.MethodPost, "/api/v1/auth/login", "10.0.0.1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("request %d: remaining = %s, want %d", i+1, got, 1-i)
		}
		if rec.Header().Get("Retry-After") != "" {
			t.Error("admitted request must not carry Retry-After")
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request(http.MethodPost, "/api/v1/auth/login", "10.0.0.1", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	reset := testNow.Add(time.Minute).Unix()
	wantHeaders := map[string]string{
		"X-RateLimit-Limit":     "2",
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     strconv.FormatInt(reset, 10),
		"Retry-After":           "60",
	}
	for k, want := range wantHeaders {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	var body rateLimitResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := rateLimitResponse{Error: "rate limit exceeded", Limit: 2, RetryAfter: 60, Reset: reset}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestRateLimitClasses(t *testing.T) {
	alice := &user.User{ID: 1, Role: user.RoleUser}
	bob := &user.User{ID: 2, Role: user.RoleUser}

	tests := []struct {
		name     string
		requests []*http.Request
		want     []int
	}{
		{
			name: "login limited per ip",
			requests: []*http.Request{
				request(http.MethodPost, "/api/v1/auth/login", "10.0.0.1", nil),
				request(http.MethodPost, "/api/v1/auth/login", "10.0.0.1", nil),
				request(http.MethodPost, "/api/v1/auth/login", "10.0.0.2", nil),
				request(http.MethodPost, "/api/v1/auth/login", "10.0.0.1", nil),
			},
			want: []int{200, 200, 200, 429},
		},
		{
			name: "execution create and start share one class per user",
			requests: []*http.Request{
				request(http.MethodPost, "/api/v1/executions", "10.0.0.1", alice),
				request(http.MethodPost, "/api/v1/executions/5/start", "10.0.0.1", alice),
				request(http.MethodPost, "/api/v1/executions", "10.0.0.1", bob),
				request(http.MethodGet, "/api/v1/executions", "10.0.0.1", alice),
			},
			want: []int{200, 429, 200, 200},
		},
		{
			name: "api class per user",
			requests: []*http.Request{
				request(http.MethodGet, "/api/v1/agents", "10.0.0.1", alice),
				request(http.MethodGet, "/api/v1/agents/1", "10.0.0.1", alice),
				request(http.MethodPost, "/api/v1/executions/5/cancel", "10.0.0.1", alice),
				request(http.MethodGet, "/api/v1/agents", "10.0.0.1", alice),
				request(http.MethodGet, "/api/v1/agents", "10.0.0.1", bob),
			},
			want: []int{200, 200, 200, 429, 200},
		},
		{
			name: "public endpoints are not limited",
			requests: []*http.Request{
				request(http.MethodGet, "/health", "10.0.0.1", nil),
				request(http.MethodGet, "/health", "10.0.0.1", nil),
				request(http.MethodGet, "/health", "10.0.0.1", nil),
				request(http.MethodGet, "/health", "10.0.0.1", nil),
			},
			want: []int{200, 200, 200, 200},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newLimitedHandler(t, testRateConfig())
			for i, req := range tt.requests {
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				if rec.Code != tt.want[i] {
					t.Errorf("request %d (%s %s): status = %d, want %d", i+1, req.Method, req.URL.Path, rec.Code, tt.want[i])
				}
			}
		})
	}
}

func TestRateLimitDisabled(t *testing.T) {
	cfg := testRateConfig()
	cfg.Enabled = false
	handler := newLimitedHandler(t, cfg)
	for range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request(http.MethodPost, "/api/v1/auth/login", "10.0.0.1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled limiter must not set headers")
		}
	}
}

func TestIsExecutionStart(t *testing.T) {
	tests := []struct {
		method, path string
		want         bool
	}{
		{http.MethodPost, "/api/v1/executions", true},
		{http.MethodPost, "/api/v1/executions/", true},
		{http.MethodPost, "/api/v1/executions/12/start", true},
		{http.MethodPost, "/api/v1/executions/12/cancel", false},
		{http.MethodGet, "/api/v1/executions", false},
		{http.MethodPost, "/api/v1/executionsx", false},
	}
	for _, tt := range tests {
		if got := isExecutionStart(httptest.NewRequest(tt.method, tt.path, http.NoBody)); got != tt.want {
			t.Errorf("%s %s = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

package ws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

// fakeAuth maps tokens to users: "alice" (1), "bob" (2), "root" (admin 9),
// "broken" (backend error). Anything else is unauthorized.
type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (*user.User, error) {
	switch token {
	case "alice":
		return &user.User{ID: 1, Username: "alice", Role: user.RoleUser, IsActive: true}, nil
	case "bob":
		return &user.User{ID: 2, Username: "bob", Role: user.RoleUser, IsActive: true}, nil
	case "root":
		return &user.User{ID: 9, Username: "root", Role: user.RoleAdmin, IsActive: true}, nil
	case "broken":
		return nil, errors.New("database down")
	default:
		return nil, fmt.Errorf("bad token: %w", domain.ErrUnauthorized)
	}
}

type fakeExecs map[int64]*execution.Execution

func (f fakeExecs) Get(_ context.Context, id int64) (*execution.Execution, error) {
	e, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("execution %d: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

type fakeStarter struct {
	mu       sync.Mutex
	traces   []*trace.Trace
	runErr   error
	startErr error
	started  []int64
	ctxErr   error
}

func (f *fakeStarter) StartStream(ctx context.Context, id int64) (iter.Seq2[*trace.Trace, error], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, id)
	return func(yield func(*trace.Trace, error) bool) {
		for _, tr := range f.traces {
			if !yield(tr, nil) {
				return
			}
		}
		if f.runErr != nil {
			yield(nil, f.runErr)
		}
		f.mu.Lock()
		f.ctxErr = ctx.Err()
		f.mu.Unlock()
	}, nil
}

func (f *fakeStarter) startedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.started...)
}

func testGatewayConfig() config.Gateway {
	return config.Gateway{AuthTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second, MaxMessageBytes: 64 << 10}
}

func newGatewayServer(t *testing.T, st *fakeStarter, cfg config.Gateway) *httptest.Server {
	t.Helper()
	execs := fakeExecs{
		7: {ID: 7, UserID: 1, AgentID: 3, Status: execution.StatusPending},
	}
	g := NewGateway(fakeAuth{}, execs, st, cfg)
	r := chi.NewRouter()
	r.Get("/ws/executions/{id}", g.HandleExecution)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m map[string]any
	if err := wsjson.Read(ctx, c, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func sendAuth(t *testing.T, c *websocket.Conn, token string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, map[string]string{"type": "auth", "token": "Bearer " + token}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
}

// expectClosed reads until the server closes and returns the close code.
func expectClosed(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestGatewayStreamsTraces(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := &fakeStarter{traces: []*trace.Trace{
		{SequenceNumber: 0, Timestamp: ts, EventType: trace.TypeLLMCall, Content: map[string]any{"model": "gpt-4o"}},
		{SequenceNumber: 1, Timestamp: ts, EventType: trace.TypeLLMResponse, Content: map[string]any{"content": "hi"}},
	}}
	srv := newGatewayServer(t, st, testGatewayConfig())
	c := dial(t, srv, "/ws/executions/7")

	sendAuth(t, c, "alice")
	if m := readJSON(t, c); m["type"] != "auth" || m["status"] != "success" {
		t.Fatalf("auth reply = %v", m)
	}

	for i, want := range []string{"llm_call", "llm_response"} {
		m := readJSON(t, c)
		if m["event_type"] != want {
			t.Fatalf("message %d event_type = %v, want %s", i, m["event_type"], want)
		}
		if m["sequence_number"] != float64(i) {
			t.Errorf("message %d sequence_number = %v", i, m["sequence_number"])
		}
		if m["timestamp"] != ts.Format(time.RFC3339) {
			t.Errorf("message %d timestamp = %v", i, m["timestamp"])
		}
	}
	if m := readJSON(t, c); m["event_type"] != "execution_complete" {
		t.Fatalf("final message = %v", m)
	}
	if code := expectClosed(t, c); code != websocket.StatusNormalClosure {
		t.Errorf("close code = %v, want normal closure", code)
	}
	if ids := st.startedIDs(); len(ids) != 1 || ids[0] != 7 {
		t.Errorf("started = %v, want [7]", ids)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ctxErr != nil {
		t.Errorf("run context was cancelled: %v", st.ctxErr)
	}
}

func TestGatewayHandshakeFailures(t *testing.T) {
	tests := []struct {
		name string
		send func(context.Context, *websocket.Conn) error
		want string
	}{
		{"malformed json", func(ctx context.Context, c *websocket.Conn) error {
			return c.Write(ctx, websocket.MessageText, []byte("{not json"))
		}, "invalid message format"},
		{"binary frame", func(ctx context.Context, c *websocket.Conn) error {
			return c.Write(ctx, websocket.MessageBinary, []byte(`{"type":"auth"}`))
		}, "invalid message format"},
		{"wrong type", func(ctx context.Context, c *websocket.Conn) error {
			return wsjson.Write(ctx, c, map[string]string{"type": "hello", "token": "Bearer alice"})
		}, "first message must be an auth message"},
		{"no bearer prefix", func(ctx context.Context, c *websocket.Conn) error {
			return wsjson.Write(ctx, c, map[string]string{"type": "auth", "token": "alice"})
		}, "missing bearer token"},
		{"empty bearer", func(ctx context.Context, c *websocket.Conn) error {
			return wsjson.Write(ctx, c, map[string]string{"type": "auth", "token": "Bearer   "})
		}, "missing bearer token"},
		{"bad token", func(ctx context.Context, c *websocket.Conn) error {
			return wsjson.Write(ctx, c, map[string]string{"type": "auth", "token": "Bearer nope"})
		}, "invalid or expired token"},
		{"auth backend error", func(ctx context.Context, c *websocket.Conn) error {
			return wsjson.Write(ctx, c, map[string]string{"type": "auth", "token": "Bearer broken"})
		}, "authentication unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStarter{}
			srv := newGatewayServer(t, st, testGatewayConfig())
			c := dial(t, srv, "/ws/executions/7")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tt.send(ctx, c); err != nil {
				t.Fatalf("send: %v", err)
			}
			m := readJSON(t, c)
			if m["type"] != "auth" || m["status"] != "error" || m["message"] != tt.want {
				t.Fatalf("reply = %v, want auth error %q", m, tt.want)
			}
			if code := expectClosed(t, c); code != websocket.StatusPolicyViolation {
				t.Errorf("close code = %v, want policy violation", code)
			}
			if len(st.startedIDs()) != 0 {
				t.Error("execution must not start without authentication")
			}
		})
	}
}

func TestGatewayAuthTimeout(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.AuthTimeout = 50 * time.Millisecond
	st := &fakeStarter{}
	srv := newGatewayServer(t, st, cfg)
	c := dial(t, srv, "/ws/executions/7")

	m := readJSON(t, c)
	if m["status"] != "error" || m["message"] != "authentication timeout" {
		t.Fatalf("reply = %v", m)
	}
	if code := expectClosed(t, c); code != websocket.StatusPolicyViolation {
		t.Errorf("close code = %v", code)
	}
}

func TestGatewayOwnership(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		token     string
		wantStart bool
	}{
		{"owner", "/ws/executions/7", "alice", true},
		{"admin", "/ws/executions/7", "root", true},
		{"other user", "/ws/executions/7", "bob", false},
		{"missing execution", "/ws/executions/99", "alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStarter{}
			srv := newGatewayServer(t, st, testGatewayConfig())
			c := dial(t, srv, tt.path)
			sendAuth(t, c, tt.token)
			if m := readJSON(t, c); m["status"] != "success" {
				t.Fatalf("auth reply = %v", m)
			}

			m := readJSON(t, c)
			if tt.wantStart {
				if m["event_type"] != "execution_complete" {
					t.Fatalf("message = %v, want execution_complete", m)
				}
				return
			}
			content, _ := m["content"].(map[string]any)
			if m["event_type"] != "error" || content["error"] != "execution not found" {
				t.Fatalf("message = %v, want not found error", m)
			}
			if len(st.startedIDs()) != 0 {
				t.Error("execution must not start")
			}
		})
	}
}

func TestGatewayErrors(t *testing.T) {
	tests := []struct {
		name string
		st   *fakeStarter
		want string
	}{
		{
			name: "start rejected",
			st:   &fakeStarter{startErr: fmt.Errorf("execution 7 is completed, not pending: %w", domain.ErrInvalidState)},
			want: "execution 7 is completed, not pending: invalid state",
		},
		{
			name: "run failed with secret in message",
			st: &fakeStarter{
				traces: []*trace.Trace{{EventType: trace.TypeLLMCall, Content: map[string]any{}}},
				runErr: errors.New("upstream rejected api_key=abc123"),
			},
			want: "upstream rejected api_key=" + secrets.Redacted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newGatewayServer(t, tt.st, testGatewayConfig())
			c := dial(t, srv, "/ws/executions/7")
			sendAuth(t, c, "alice")
			readJSON(t, c) // auth ack

			var m map[string]any
			for {
				m = readJSON(t, c)
				if m["event_type"] == "error" || m["event_type"] == "execution_complete" {
					break
				}
			}
			content, _ := m["content"].(map[string]any)
			if m["event_type"] != "error" || content["error"] != tt.want {
				t.Fatalf("message = %v, want error %q", m, tt.want)
			}
		})
	}
}

func TestGatewayRejectsBadID(t *testing.T) {
	srv := newGatewayServer(t, &fakeStarter{}, testGatewayConfig())
	for _, id := range []string{"abc", "0", "-4"} {
		resp, err := http.Get(srv.URL + "/ws/executions/" + id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("id %q: status = %d, want 400", id, resp.StatusCode)
		}
	}
}

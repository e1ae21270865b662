// Package ws implements the WebSocket adapter: the per-execution trace stream
// gateway and the dashboard status feed. Both require the same first-message
// authentication handshake.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
)

// Authenticator resolves a bearer token to an active user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*user.User, error)
}

// Handshake messages.
const (
	msgTypeAuth      = "auth"
	authStatusOK     = "success"
	authStatusError  = "error"
	bearerPrefix     = "Bearer "
	reasonTimeout    = "authentication timeout"
	reasonMalformed  = "invalid message format"
	reasonNotAuth    = "first message must be an auth message"
	reasonNoToken    = "missing bearer token"
	reasonBadToken   = "invalid or expired token"
	reasonAuthFailed = "authentication unavailable"
)

type authRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// session wraps one connection. Once a write fails the connection is
// considered dead and no further writes are attempted.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu   sync.Mutex
	dead bool
}

func newSession(c *websocket.Conn, writeTimeout time.Duration) *session {
	return &session{conn: c, writeTimeout: writeTimeout}
}

// send writes v as one JSON text message and reports success.
func (s *session) send(ctx context.Context, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	if err := wsjson.Write(ctx, s.conn, v); err != nil {
		s.dead = true
		slog.DebugContext(ctx, "websocket write failed", "error", err)
		return false
	}
	return true
}

func (s *session) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

func (s *session) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// close is best effort and safe to call more than once.
func (s *session) close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

// authenticate runs the handshake: the first message must be
// {"type":"auth","token":"Bearer <jwt>"} and arrive within timeout. It
// returns the user, or the reason to report to the client. An empty reason
// with a nil user means nothing more should be sent: the client is gone or
// the timeout reply was already delivered.
//
// The read runs on ctx rather than a deadline context: an expiring read
// context makes the library tear the connection down before the timeout
// reply could be written. The timer writes that reply and closes instead.
func (s *session) authenticate(ctx context.Context, auth Authenticator, timeout time.Duration) (*user.User, string) {
	fired := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		defer close(fired)
		s.send(ctx, authResponse{Type: msgTypeAuth, Status: authStatusError, Message: reasonTimeout})
		s.close(websocket.StatusPolicyViolation, reasonTimeout)
	})

	typ, data, err := s.conn.Read(ctx)
	if !timer.Stop() {
		<-fired
		s.markDead()
		return nil, ""
	}
	if err != nil {
		s.markDead()
		return nil, ""
	}
	if typ != websocket.MessageText {
		return nil, reasonMalformed
	}

	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, reasonMalformed
	}
	if req.Type != msgTypeAuth {
		return nil, reasonNotAuth
	}
	token, ok := strings.CutPrefix(req.Token, bearerPrefix)
	if !ok || strings.TrimSpace(token) == "" {
		return nil, reasonNoToken
	}

	u, err := auth.Authenticate(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return nil, reasonBadToken
		}
		slog.WarnContext(ctx, "websocket authentication error", "error", err)
		return nil, reasonAuthFailed
	}
	return u, ""
}

// handshake authenticates the session and acknowledges the result. On
// failure the connection is closed with a policy violation.
func (s *session) handshake(ctx context.Context, auth Authenticator, timeout time.Duration) *user.User {
	u, reason := s.authenticate(ctx, auth, timeout)
	if u == nil {
		if reason != "" {
			s.send(ctx, authResponse{Type: msgTypeAuth, Status: authStatusError, Message: reason})
			s.close(websocket.StatusPolicyViolation, reason)
		}
		return nil
	}
	if !s.send(ctx, authResponse{Type: msgTypeAuth, Status: authStatusOK}) {
		return nil
	}
	return u
}

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/port/broadcast"
	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
)

// Message is the envelope for dashboard messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single authenticated dashboard connection.
type conn struct {
	s      *session
	cancel context.CancelFunc
	userID int64
	admin  bool
}

func (c *conn) sees(owner int64) bool {
	return c.admin || c.userID == owner
}

// Hub manages dashboard connections and fans out status events.
type Hub struct {
	auth Authenticator
	cfg  config.Gateway

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

var _ broadcast.Broadcaster = (*Hub)(nil)

// NewHub creates a new dashboard hub.
func NewHub(auth Authenticator, cfg config.Gateway) *Hub {
	return &Hub{
		auth:  auth,
		cfg:   cfg,
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades GET /ws to a dashboard connection. The client has to
// authenticate with its first message before it receives events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // auth is the first message, not cookies
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	s := newSession(ws, h.cfg.WriteTimeout)
	// The handshake runs on the request context; afterwards the connection
	// outlives the handler until the client leaves.
	u := s.handshake(r.Context(), h.auth, h.cfg.AuthTimeout)
	if u == nil {
		s.close(websocket.StatusPolicyViolation, "")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{s: s, cancel: cancel, userID: u.ID, admin: u.IsAdmin()}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "user_id", u.ID)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			s.close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends msg to every connection accepted by filter. A nil filter
// accepts all.
func (h *Hub) Broadcast(ctx context.Context, msg Message, filter func(*conn) bool) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if filter == nil || filter(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.s.send(ctx, msg) {
			h.remove(c)
		}
	}
}

// BroadcastEvent wraps payload in a typed envelope and sends it. Owned
// payloads reach only their owner and admins.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "websocket marshal failed", "event_type", eventType, "error", err)
		return
	}
	var filter func(*conn) bool
	if o, ok := payload.(broadcast.Owned); ok {
		owner := o.Owner()
		filter = func(c *conn) bool { return c.sees(owner) }
	}
	h.Broadcast(ctx, Message{Type: eventType, Payload: data}, filter)
}

// Relay forwards execution status messages from the queue to dashboard
// clients. Call the returned function to unsubscribe.
func (h *Hub) Relay(ctx context.Context, q messagequeue.Queue) (func(), error) {
	cancel, err := q.Subscribe(ctx, messagequeue.SubjectExecutionStatusAll, func(ctx context.Context, subject string, data []byte) error {
		var p messagequeue.ExecutionStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", subject, err)
		}
		h.BroadcastEvent(ctx, broadcast.EventExecutionStatus, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectExecutionStatusAll, err)
	}
	return cancel, nil
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()
	for c := range conns {
		c.s.close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected", "user_id", c.userID)
	}
}

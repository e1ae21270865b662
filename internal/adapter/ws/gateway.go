package ws

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

// Starter starts an execution and returns its trace sequence.
type Starter interface {
	StartStream(ctx context.Context, executionID int64) (iter.Seq2[*trace.Trace, error], error)
}

// ExecutionReader loads executions for the ownership check.
type ExecutionReader interface {
	Get(ctx context.Context, id int64) (*execution.Execution, error)
}

// traceMessage is the wire form of one trace.
type traceMessage struct {
	SequenceNumber int             `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	EventType      trace.EventType `json:"event_type"`
	Content        map[string]any  `json:"content"`
}

type completeMessage struct {
	EventType trace.EventType `json:"event_type"`
}

type errorMessage struct {
	EventType trace.EventType   `json:"event_type"`
	Content   map[string]string `json:"content"`
}

// Gateway streams one execution's traces over a WebSocket, starting the
// execution once the client has authenticated.
type Gateway struct {
	auth    Authenticator
	execs   ExecutionReader
	starter Starter
	cfg     config.Gateway
}

// NewGateway creates a stream gateway.
func NewGateway(auth Authenticator, execs ExecutionReader, starter Starter, cfg config.Gateway) *Gateway {
	return &Gateway{auth: auth, execs: execs, starter: starter, cfg: cfg}
}

// HandleExecution serves GET /ws/executions/{id}.
func (g *Gateway) HandleExecution(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // auth is the first message, not cookies
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	if g.cfg.MaxMessageBytes > 0 {
		c.SetReadLimit(g.cfg.MaxMessageBytes)
	}

	ctx := r.Context()
	log := slog.With("conn_id", uuid.NewString(), "execution_id", id)
	s := newSession(c, g.cfg.WriteTimeout)
	closeCode, closeReason := websocket.StatusNormalClosure, ""
	defer func() { s.close(closeCode, closeReason) }()

	u := s.handshake(ctx, g.auth, g.cfg.AuthTimeout)
	if u == nil {
		log.Info("stream authentication failed")
		return
	}
	log = log.With("user_id", u.ID)

	// Reads after the handshake are discarded; the returned context ends
	// when the client goes away.
	ctx = c.CloseRead(ctx)

	e, err := g.execs.Get(ctx, id)
	if err == nil && e.UserID != u.ID && !u.IsAdmin() {
		err = domain.ErrNotFound
	}
	if err != nil {
		g.sendError(ctx, s, err)
		closeCode, closeReason = websocket.StatusPolicyViolation, "execution unavailable"
		return
	}

	// The run must not die with the connection.
	seq, err := g.starter.StartStream(context.WithoutCancel(ctx), id)
	if err != nil {
		log.Info("stream start rejected", "error", err)
		g.sendError(ctx, s, err)
		return
	}

	sent := 0
	for tr, err := range seq {
		if err != nil {
			log.Info("execution stream ended with error", "error", err, "sent", sent)
			g.sendError(ctx, s, err)
			return
		}
		if !s.send(ctx, traceMessage{
			SequenceNumber: tr.SequenceNumber,
			Timestamp:      tr.Timestamp,
			EventType:      tr.EventType,
			Content:        tr.Content,
		}) {
			log.Info("client disconnected, execution continues", "sent", sent)
			return
		}
		sent++
	}
	s.send(ctx, completeMessage{EventType: trace.TypeExecutionComplete})
	log.Info("execution stream complete", "sent", sent)
}

func (g *Gateway) sendError(ctx context.Context, s *session, err error) {
	if s.isDead() {
		return
	}
	msg := secrets.SanitizeString(err.Error())
	if errors.Is(err, domain.ErrNotFound) {
		msg = "execution not found"
	}
	s.send(ctx, errorMessage{EventType: trace.TypeError, Content: map[string]string{"error": msg}})
}

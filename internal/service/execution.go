package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/port/cache"
	"github.com/Strob0t/AgentDeck/internal/port/database"
	"github.com/Strob0t/AgentDeck/internal/port/tracelog"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	traceCacheTTL    = time.Hour
)

// ExecutionService creates, lists and cancels executions and serves their
// traces. Traces of finished executions never change, so they are cached
// whole and filtered in memory.
type ExecutionService struct {
	store  database.Store
	traces tracelog.Log
	cache  cache.Cache
	orch   *Orchestrator
	fill   singleflight.Group
}

// NewExecutionService creates a new execution service. c may be nil to
// disable trace caching.
func NewExecutionService(store database.Store, traces tracelog.Log, c cache.Cache, orch *Orchestrator) *ExecutionService {
	return &ExecutionService{store: store, traces: traces, cache: c, orch: orch}
}

// Create validates the request and stores a pending execution for userID.
func (s *ExecutionService) Create(ctx context.Context, userID int64, req *execution.CreateRequest) (*execution.Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetAgent(ctx, req.AgentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("agent %d does not exist: %w", req.AgentID, domain.ErrValidation)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}

	e := &execution.Execution{
		AgentID:    req.AgentID,
		UserID:     userID,
		Input:      req.Input,
		Parameters: req.Parameters,
		Status:     execution.StatusPending,
	}
	if err := s.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	slog.InfoContext(ctx, "execution created", "execution_id", e.ID, "agent_id", e.AgentID, "user_id", userID)
	return e, nil
}

// Get returns an execution by id.
func (s *ExecutionService) Get(ctx context.Context, id int64) (*execution.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// List returns executions matching the filter, newest first.
func (s *ExecutionService) List(ctx context.Context, f execution.ListFilter) ([]execution.Execution, error) {
	if f.Status != "" && !execution.ValidStatus(f.Status) {
		return nil, fmt.Errorf("unknown status %q: %w", f.Status, domain.ErrValidation)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListExecutions(ctx, f)
}

// Cancel requests cancellation of a running execution. It reports false when
// the execution is not running.
func (s *ExecutionService) Cancel(ctx context.Context, id int64) (bool, error) {
	if _, err := s.store.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return s.orch.Cancel(ctx, id)
}

// Traces returns the traces of an execution in sequence order.
func (s *ExecutionService) Traces(ctx context.Context, id int64, q trace.Query) ([]*trace.Trace, error) {
	if q.EventType != "" && !q.EventType.Valid() {
		return nil, fmt.Errorf("unknown event type %q: %w", q.EventType, domain.ErrValidation)
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative: %w", domain.ErrValidation)
	}
	if q.AfterSequence < -1 {
		q.AfterSequence = -1
	}

	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache == nil || !e.Status.IsTerminal() {
		return s.traces.List(ctx, id, q)
	}

	all, err := s.cachedTraces(ctx, id)
	if err != nil {
		return nil, err
	}
	return filterTraces(all, q), nil
}

func traceCacheKey(id int64) string {
	return "traces:" + strconv.FormatInt(id, 10)
}

func (s *ExecutionService) cachedTraces(ctx context.Context, id int64) ([]*trace.Trace, error) {
	key := traceCacheKey(id)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var out []*trace.Trace
		if err := json.Unmarshal(data, &out); err == nil {
			return out, nil
		}
		slog.WarnContext(ctx, "discarding corrupt trace cache entry", "execution_id", id)
	}

	v, err, _ := s.fill.Do(key, func() (any, error) {
		all, err := s.traces.List(ctx, id, trace.Query{AfterSequence: -1})
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(all); err == nil {
			switch err := s.cache.Set(ctx, key, data, traceCacheTTL); {
			case errors.Is(err, cache.ErrValueTooLarge):
				slog.DebugContext(ctx, "trace list too large to cache", "execution_id", id, "bytes", len(data))
			case err != nil:
				slog.WarnContext(ctx, "trace cache set failed", "execution_id", id, "error", err)
			}
		}
		return all, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	return v.([]*trace.Trace), nil
}

func filterTraces(all []*trace.Trace, q trace.Query) []*trace.Trace {
	out := make([]*trace.Trace, 0, len(all))
	for _, t := range all {
		if t.SequenceNumber <= q.AfterSequence {
			continue
		}
		if q.EventType != "" && t.EventType != q.EventType {
			continue
		}
		out = append(out, t)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

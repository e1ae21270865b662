package service

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/port/agentframework"
	"github.com/Strob0t/AgentDeck/internal/port/database"
	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

// --- mockStore ---

var _ database.Store = (*mockStore)(nil)

type mockStore struct {
	mu         sync.Mutex
	nextID     int64
	executions map[int64]*execution.Execution
	agents     map[int64]*agent.Agent
	users      map[int64]*user.User
}

func newMockStore() *mockStore {
	return &mockStore{
		executions: make(map[int64]*execution.Execution),
		agents:     make(map[int64]*agent.Agent),
		users:      make(map[int64]*user.User),
	}
}

func (m *mockStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *mockStore) CreateExecution(_ context.Context, e *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	e.Status = execution.StatusPending
	e.CreatedAt = time.Now().UTC()
	cp := *e
	m.executions[e.ID] = &cp
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id int64) (*execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %d: %w", id, domain.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) ListExecutions(_ context.Context, f execution.ListFilter) ([]execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []execution.Execution
	for _, e := range m.executions {
		if f.UserID != 0 && e.UserID != f.UserID {
			continue
		}
		if f.AgentID != 0 && e.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// transition applies fn when the execution is in state from.
func (m *mockStore) transition(id int64, from execution.Status, fn func(e *execution.Execution)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.Status != from {
		return false, nil
	}
	fn(e)
	return true, nil
}

func (m *mockStore) MarkExecutionRunning(_ context.Context, id int64, at time.Time) (bool, error) {
	return m.transition(id, execution.StatusPending, func(e *execution.Execution) {
		e.Status = execution.StatusRunning
		e.StartedAt = &at
	})
}

func (m *mockStore) CompleteExecution(_ context.Context, id int64, at time.Time, c execution.Completion) (bool, error) {
	return m.transition(id, execution.StatusRunning, func(e *execution.Execution) {
		e.Status = execution.StatusCompleted
		e.CompletedAt = &at
		setUsage(e, c.Usage.PromptTokens, c.Usage.CompletionTokens, c.Usage.TotalTokens)
		cost := c.Cost
		e.EstimatedCost = &cost
		e.Output = c.Output
	})
}

func (m *mockStore) FailExecution(_ context.Context, id int64, at time.Time, f execution.Failure) (bool, error) {
	return m.transition(id, execution.StatusRunning, func(e *execution.Execution) {
		e.Status = execution.StatusFailed
		e.CompletedAt = &at
		msg, tb := f.Message, f.Traceback
		e.ErrorMessage = &msg
		e.ErrorTraceback = &tb
		setUsage(e, f.Usage.PromptTokens, f.Usage.CompletionTokens, f.Usage.TotalTokens)
	})
}

func (m *mockStore) CancelExecution(_ context.Context, id int64, at time.Time) (bool, error) {
	return m.transition(id, execution.StatusRunning, func(e *execution.Execution) {
		e.Status = execution.StatusCancelled
		e.CompletedAt = &at
	})
}

func setUsage(e *execution.Execution, prompt, completion, total int64) {
	e.PromptTokens = &prompt
	e.CompletionTokens = &completion
	e.TotalTokens = &total
}

func (m *mockStore) CreateAgent(_ context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *mockStore) GetAgent(_ context.Context, id int64) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) ListAgents(_ context.Context, ownerID int64) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for _, a := range m.agents {
		if ownerID == 0 || a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) CreateUser(_ context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return fmt.Errorf("user %q: %w", u.Username, domain.ErrConflict)
		}
	}
	u.ID = m.id()
	u.CreatedAt = time.Now().UTC()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *mockStore) GetUser(_ context.Context, id int64) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *mockStore) GetUserByUsername(_ context.Context, name string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", name, domain.ErrNotFound)
}

func (m *mockStore) setUserActive(id int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].IsActive = active
}

// --- fakeTraceLog ---

type fakeTraceLog struct {
	mu      sync.Mutex
	traces  map[int64][]*trace.Trace
	lists   int
	failing error
	before  func(*trace.Trace) // runs before each append, outside mu
}

func newFakeTraceLog() *fakeTraceLog {
	return &fakeTraceLog{traces: make(map[int64][]*trace.Trace)}
}

func (f *fakeTraceLog) Append(_ context.Context, t *trace.Trace) error {
	if f.before != nil {
		f.before(t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing != nil {
		return f.failing
	}
	for _, existing := range f.traces[t.ExecutionID] {
		if existing.SequenceNumber == t.SequenceNumber {
			return fmt.Errorf("trace %d/%d: %w", t.ExecutionID, t.SequenceNumber, domain.ErrConflict)
		}
	}
	cp := *t
	cp.ID = int64(len(f.traces[t.ExecutionID]) + 1)
	f.traces[t.ExecutionID] = append(f.traces[t.ExecutionID], &cp)
	return nil
}

func (f *fakeTraceLog) List(_ context.Context, executionID int64, q trace.Query) ([]*trace.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var out []*trace.Trace
	for _, t := range f.traces[executionID] {
		if t.SequenceNumber <= q.AfterSequence {
			continue
		}
		if q.EventType != "" && t.EventType != q.EventType {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTraceLog) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// --- fake agent framework ---

// scriptedAgent streams a fixed list of events. When gate is set, it waits
// on it before each event so tests can interleave cancellation.
type scriptedAgent struct {
	events  []trace.Event
	err     error // returned after the events
	result  *agentframework.Result
	gate    chan struct{}
	panicAt int // 1-based event to panic at; 0 = never
	mu      sync.Mutex
	invokes int
	streams int
}

func (a *scriptedAgent) Invoke(ctx context.Context, _ agentframework.Input) (*agentframework.Result, error) {
	a.mu.Lock()
	a.invokes++
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &agentframework.Result{Content: "done"}, ctx.Err()
}

func (a *scriptedAgent) Stream(ctx context.Context, _ agentframework.Input) iter.Seq2[trace.Event, error] {
	return func(yield func(trace.Event, error) bool) {
		a.mu.Lock()
		a.streams++
		a.mu.Unlock()
		for i, ev := range a.events {
			if a.gate != nil {
				select {
				case <-a.gate:
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				}
			}
			if i+1 == a.panicAt {
				panic("tool exploded")
			}
			if !yield(ev, nil) {
				return
			}
		}
		if a.err != nil {
			yield(nil, a.err)
		}
	}
}

// blockingAgent only implements Invoke.
type blockingAgent struct {
	result *agentframework.Result
}

func (b *blockingAgent) Invoke(context.Context, agentframework.Input) (*agentframework.Result, error) {
	return b.result, nil
}

type fakeFactory struct {
	agent agentframework.Agent
	err   error
}

func (f *fakeFactory) CreateAgent(context.Context, *agent.Agent) (agentframework.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agent, nil
}

// --- fake broadcaster and queue ---

type recordedEvent struct {
	eventType string
	payload   any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBroadcaster) BroadcastEvent(_ context.Context, eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{eventType: eventType, payload: payload})
}

func (b *fakeBroadcaster) statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		if p, ok := ev.payload.(messagequeue.ExecutionStatusPayload); ok {
			out = append(out, p.Status)
		}
	}
	return out
}

// --- helpers ---

func newTestVaultForService(t *testing.T) *secrets.Vault {
	t.Helper()
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := secrets.NewVault(secrets.StaticLoader(key))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

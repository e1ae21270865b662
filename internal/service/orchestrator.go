package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/pricing"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/logger"
	"github.com/Strob0t/AgentDeck/internal/port/agentframework"
	"github.com/Strob0t/AgentDeck/internal/port/broadcast"
	"github.com/Strob0t/AgentDeck/internal/port/database"
	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
	"github.com/Strob0t/AgentDeck/internal/port/tracelog"
)

var (
	// ErrStreamConsumed is yielded when a Stream is iterated a second time.
	ErrStreamConsumed = errors.New("stream already consumed")
	// ErrExecutionCancelled ends a stream whose execution was cancelled.
	ErrExecutionCancelled = errors.New("execution cancelled")
)

// runState is the registry entry of an execution between Start and the end
// of its stream.
type runState struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool

	// mu is held by Cancel across the status write and by emit across a
	// trace append, so no trace lands after the status turns cancelled.
	mu       sync.Mutex
	recorded bool // the cancelled status reached the store
}

// Orchestrator drives executions through pending -> running -> terminal,
// persisting every framework event as a sequence-numbered trace.
type Orchestrator struct {
	store     database.Store
	traces    tracelog.Log
	agents    *AgentService
	framework agentframework.Factory
	queue     messagequeue.Queue
	hub       broadcast.Broadcaster
	cfg       config.Runtime
	metrics   *otel.Metrics
	prices    *pricing.Table
	now       func() time.Time

	runs        sync.Map       // execution id -> *runState
	warnedPairs sync.Map       // provider/model -> struct{}
	inflight    sync.WaitGroup // started runs whose stream has not finished
}

// NewOrchestrator creates an orchestrator. queue and hub may be nil; status
// changes go to the queue when present (the dashboard hub subscribes to it)
// and straight to the hub otherwise.
func NewOrchestrator(
	store database.Store,
	traces tracelog.Log,
	agents *AgentService,
	framework agentframework.Factory,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	cfg config.Runtime,
	metrics *otel.Metrics,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		traces:    traces,
		agents:    agents,
		framework: framework,
		queue:     queue,
		hub:       hub,
		cfg:       cfg,
		metrics:   metrics,
		prices:    pricing.DefaultTable(),
		now:       time.Now,
	}
}

// SetPricing replaces the default price table.
func (o *Orchestrator) SetPricing(t *pricing.Table) { o.prices = t }

// SetClock replaces the time source for timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Stream is the lazily evaluated trace sequence of one started execution.
type Stream struct {
	o        *Orchestrator
	ctx      context.Context
	exec     *execution.Execution
	agent    *agent.Agent
	state    *runState
	consumed atomic.Bool
}

// Execution returns the execution as it was when it started running.
func (s *Stream) Execution() *execution.Execution { return s.exec }

// All runs the execution and yields each trace after it is persisted. The
// framework is not invoked until iteration begins, and a Stream can be
// iterated once. If the consumer stops early the execution still runs to a
// terminal state; its remaining traces are persisted but not yielded.
func (s *Stream) All() iter.Seq2[*trace.Trace, error] {
	return func(yield func(*trace.Trace, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		s.o.run(s, yield)
	}
}

// Start moves a pending execution to running and returns its stream. The
// caller must iterate the stream; until it does, the execution stays running.
func (o *Orchestrator) Start(ctx context.Context, executionID int64) (*Stream, error) {
	e, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e.Status != execution.StatusPending {
		return nil, notPending(e)
	}
	cfg, err := o.agents.Decrypted(ctx, e.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	at := o.now().UTC()
	ok, err := o.store.MarkExecutionRunning(ctx, executionID, at)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("execution %d already running: %w", executionID, domain.ErrInvalidState)
	}
	e.Status = execution.StatusRunning
	e.StartedAt = &at

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if o.cfg.ExecutionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	state := &runState{cancel: cancel}
	o.inflight.Add(1)
	o.runs.Store(executionID, state)

	o.metrics.RecordExecutionStarted(ctx, string(cfg.Provider))
	o.publishStatus(ctx, e, execution.StatusRunning, "", pricing.Usage{}, 0)
	slog.InfoContext(ctx, "execution started", "execution_id", e.ID, "agent_id", e.AgentID, "model", cfg.Model)

	return &Stream{o: o, ctx: runCtx, exec: e, agent: cfg, state: state}, nil
}

// StartStream starts an execution and returns its trace sequence.
func (o *Orchestrator) StartStream(ctx context.Context, executionID int64) (iter.Seq2[*trace.Trace, error], error) {
	s, err := o.Start(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return s.All(), nil
}

func notPending(e *execution.Execution) error {
	if e.Status == execution.StatusRunning {
		return fmt.Errorf("execution %d already running: %w", e.ID, domain.ErrInvalidState)
	}
	return fmt.Errorf("execution %d is %s, not pending: %w", e.ID, e.Status, domain.ErrInvalidState)
}

// runRecorder carries per-run sequencing and accounting.
type runRecorder struct {
	seq      int
	last     time.Time
	usage    pricing.Usage
	response string
}

func (o *Orchestrator) run(s *Stream, yield func(*trace.Trace, error) bool) {
	e := s.exec
	ctx := logger.WithExecutionID(s.ctx, e.ID)
	ctx, span := otel.StartExecutionSpan(ctx, e.ID, e.AgentID, s.agent.Model)
	defer func() {
		span.End()
		s.state.cancel()
		o.runs.Delete(e.ID)
		o.inflight.Done()
	}()

	var rec runRecorder
	deliver := true
	emit := func(ev trace.Event) error {
		t := &trace.Trace{
			ExecutionID:    e.ID,
			SequenceNumber: rec.seq,
			Timestamp:      o.stamp(&rec),
			EventType:      trace.Classify(ev),
			Content:        trace.Content(ev),
		}
		s.state.mu.Lock()
		if s.state.cancelled.Load() {
			s.state.mu.Unlock()
			return ErrExecutionCancelled
		}
		// persistence must not be cut short by a cancelled run context
		err := o.traces.Append(context.WithoutCancel(ctx), t)
		s.state.mu.Unlock()
		if err != nil {
			return fmt.Errorf("append trace %d: %w", rec.seq, err)
		}
		rec.seq++
		if u, ok := trace.UsageFromContent(t.Content); ok {
			rec.usage = rec.usage.Add(u)
		}
		if m, ok := ev.(trace.LLMMessage); ok && m.Content != "" {
			rec.response = m.Content
		}
		o.metrics.RecordTraceEvent(ctx, string(t.EventType))
		if deliver && !yield(t, nil) {
			deliver = false
			slog.InfoContext(ctx, "stream consumer stopped, draining execution")
		}
		return nil
	}

	runErr := o.drive(ctx, s, emit)

	// Terminal writes use a fresh context: the run context may be cancelled.
	done := context.WithoutCancel(ctx)
	cost := o.estimate(done, s.agent, rec.usage)
	elapsed := o.now().Sub(*e.StartedAt)
	otel.AnnotateUsage(span, rec.usage, cost)

	switch {
	case s.state.cancelled.Load():
		span.SetStatus(codes.Error, "cancelled")
		s.state.mu.Lock()
		recorded := s.state.recorded
		s.state.mu.Unlock()
		if !recorded {
			// Cancel interrupted the run but could not write the status
			ok, err := o.store.CancelExecution(done, e.ID, o.now().UTC())
			if err != nil {
				slog.ErrorContext(done, "record cancellation failed", "error", err)
			} else if ok {
				o.metrics.RecordExecutionFinished(done, string(execution.StatusCancelled), elapsed, cost)
				o.publishStatus(done, e, execution.StatusCancelled, "", rec.usage, cost)
			}
		}
		slog.InfoContext(done, "execution cancelled", "traces", rec.seq)
		if deliver {
			yield(nil, fmt.Errorf("execution %d: %w", e.ID, ErrExecutionCancelled))
		}

	case runErr == nil:
		ok, err := o.store.CompleteExecution(done, e.ID, o.now().UTC(), execution.Completion{
			Usage:  rec.usage,
			Cost:   cost,
			Output: map[string]any{"response": rec.response},
		})
		if err != nil {
			slog.ErrorContext(done, "record completion failed", "error", err)
			if deliver {
				yield(nil, fmt.Errorf("record completion: %w", err))
			}
			return
		}
		if !ok {
			// cancelled between the last event and this write
			if deliver {
				yield(nil, fmt.Errorf("execution %d: %w", e.ID, ErrExecutionCancelled))
			}
			return
		}
		o.metrics.RecordExecutionFinished(done, string(execution.StatusCompleted), elapsed, cost)
		o.publishStatus(done, e, execution.StatusCompleted, "", rec.usage, cost)
		slog.InfoContext(done, "execution completed", "traces", rec.seq, "total_tokens", rec.usage.TotalTokens, "cost_usd", cost.String())

	default:
		otel.FailSpan(span, runErr)
		ok, err := o.store.FailExecution(done, e.ID, o.now().UTC(), execution.Failure{
			Message:   runErr.Error(),
			Traceback: traceback(runErr),
			Usage:     rec.usage,
			Cost:      cost,
		})
		if err != nil {
			slog.ErrorContext(done, "record failure failed", "error", err, "cause", runErr)
		} else if ok {
			o.metrics.RecordExecutionFinished(done, string(execution.StatusFailed), elapsed, cost)
			o.publishStatus(done, e, execution.StatusFailed, runErr.Error(), rec.usage, cost)
			slog.WarnContext(done, "execution failed", "error", runErr, "traces", rec.seq)
		}
		if deliver {
			yield(nil, runErr)
		}
	}
}

// drive invokes the framework and feeds every event to emit. It returns the
// first framework or persistence error.
func (o *Orchestrator) drive(ctx context.Context, s *Stream, emit func(trace.Event) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	fa, err := o.framework.CreateAgent(ctx, s.agent)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	in := agentframework.Input{
		Messages:   []agentframework.Message{{Role: "user", Content: s.exec.Input}},
		Parameters: s.exec.Parameters,
	}

	if streamer, ok := fa.(agentframework.Streamer); ok && s.agent.Streaming {
		for ev, serr := range streamer.Stream(ctx, in) {
			if s.state.cancelled.Load() {
				return ErrExecutionCancelled
			}
			if serr != nil {
				return serr
			}
			if err := emit(ev); err != nil {
				return err
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
		}
		return ctx.Err()
	}

	res, err := fa.Invoke(ctx, in)
	if err != nil {
		return err
	}
	if s.state.cancelled.Load() {
		return ErrExecutionCancelled
	}
	return emit(resultEvent(res))
}

// resultEvent turns a blocking result into the single response event.
func resultEvent(res *agentframework.Result) trace.Event {
	content := res.Content
	if content == "" {
		for i := len(res.Messages) - 1; i >= 0; i-- {
			if res.Messages[i].Role == "assistant" {
				content = res.Messages[i].Content
				break
			}
		}
	}
	ev := trace.LLMMessage{Content: content, Model: res.Model}
	if res.Usage != nil {
		if u, ok := trace.UsageFromContent(map[string]any{"usage": res.Usage}); ok {
			ev.Usage = &u
		}
	}
	return ev
}

// stamp returns the current time, never earlier than the previous trace.
func (o *Orchestrator) stamp(rec *runRecorder) time.Time {
	t := o.now().UTC()
	if t.Before(rec.last) {
		t = rec.last
	}
	rec.last = t
	return t
}

func (o *Orchestrator) estimate(ctx context.Context, a *agent.Agent, u pricing.Usage) pricing.Cost {
	if u.IsZero() {
		return 0
	}
	cost, ok := o.prices.Estimate(string(a.Provider), a.Model, u)
	if !ok {
		pair := string(a.Provider) + "/" + a.Model
		if _, seen := o.warnedPairs.LoadOrStore(pair, struct{}{}); !seen {
			slog.WarnContext(ctx, "no pricing for model, cost recorded as 0", "provider", a.Provider, "model", a.Model)
		}
	}
	return cost
}

// Cancel moves a running execution to cancelled and interrupts its framework
// call. It reports false when the execution is missing or not running.
//
// A run owned by this process is flagged and interrupted before the status
// write, and waits for any in-flight trace append, so the trace list is final
// by the time the status reads cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, executionID int64) (bool, error) {
	var st *runState
	if v, found := o.runs.Load(executionID); found {
		st = v.(*runState)
		st.mu.Lock()
		st.cancelled.Store(true)
		st.cancel()
	}
	ok, err := o.store.CancelExecution(ctx, executionID, o.now().UTC())
	if st != nil {
		if err == nil && ok {
			st.recorded = true
		}
		st.mu.Unlock()
	}
	if err != nil {
		return false, fmt.Errorf("cancel execution: %w", err)
	}
	if !ok {
		return false, nil
	}

	if e, err := o.store.GetExecution(ctx, executionID); err == nil {
		var elapsed time.Duration
		if e.StartedAt != nil && e.CompletedAt != nil {
			elapsed = e.CompletedAt.Sub(*e.StartedAt)
		}
		o.metrics.RecordExecutionFinished(ctx, string(execution.StatusCancelled), elapsed, 0)
		o.publishStatus(ctx, e, execution.StatusCancelled, "", pricing.Usage{}, 0)
	}
	slog.InfoContext(ctx, "execution cancelled", "execution_id", executionID)
	return true, nil
}

// RunDetached starts an execution and drains it in a background goroutine.
// Start errors are returned synchronously.
func (o *Orchestrator) RunDetached(ctx context.Context, executionID int64) error {
	stream, err := o.Start(context.WithoutCancel(ctx), executionID)
	if err != nil {
		return err
	}
	go func() {
		for _, err := range stream.All() {
			if err != nil {
				slog.Info("detached execution ended with error", "execution_id", executionID, "error", err)
			}
		}
	}()
	return nil
}

// Wait blocks until every started execution, detached or streamed, has
// reached a terminal state. A stream that is started but never iterated
// keeps Wait blocked.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// CancelAll interrupts every in-flight execution. Used at shutdown after the
// grace period.
func (o *Orchestrator) CancelAll(ctx context.Context) {
	o.runs.Range(func(k, _ any) bool {
		if _, err := o.Cancel(ctx, k.(int64)); err != nil {
			slog.WarnContext(ctx, "cancel on shutdown failed", "execution_id", k, "error", err)
		}
		return true
	})
}

func (o *Orchestrator) publishStatus(ctx context.Context, e *execution.Execution, status execution.Status, errMsg string, u pricing.Usage, cost pricing.Cost) {
	payload := messagequeue.ExecutionStatusPayload{
		ExecutionID: e.ID,
		AgentID:     e.AgentID,
		UserID:      e.UserID,
		Status:      string(status),
		Error:       errMsg,
		TotalTokens: u.TotalTokens,
		At:          o.now().UTC(),
	}
	if cost > 0 {
		payload.CostUSD = cost.String()
	}

	if o.queue == nil {
		if o.hub != nil {
			o.hub.BroadcastEvent(ctx, broadcast.EventExecutionStatus, payload)
		}
		return
	}
	if err := o.publishJSON(ctx, messagequeue.ExecutionStatusSubject(e.ID), payload); err != nil {
		slog.WarnContext(ctx, "publish execution status failed", "execution_id", e.ID, "status", status, "error", err)
	}
}

func (o *Orchestrator) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return o.queue.Publish(ctx, subject, data)
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("agent panicked: %v", p.value) }

// traceback renders the error chain followed by the stack at the point the
// failure was recorded (or the panic stack when the framework panicked).
func traceback(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e.Error())
	}
	var p *panicError
	if errors.As(err, &p) {
		b.WriteString("\n")
		b.Write(p.stack)
		return b.String()
	}
	b.WriteString("\n")
	b.Write(debug.Stack())
	return b.String()
}

package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/AgentDeck/internal/domain/pricing"
)

const meterName = "agentdeck"

// Metrics holds all AgentDeck metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	ExecutionsCancelled metric.Int64Counter
	TraceEvents         metric.Int64Counter
	ExecutionDuration   metric.Float64Histogram
	ExecutionCost       metric.Float64Histogram
	FailOpen            metric.Int64Counter
	LockoutDenials      metric.Int64Counter
	RateLimitDenials    metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ExecutionsStarted, err = meter.Int64Counter("agentdeck.executions.started",
		metric.WithDescription("Number of executions started"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsCompleted, err = meter.Int64Counter("agentdeck.executions.completed",
		metric.WithDescription("Number of executions completed"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsFailed, err = meter.Int64Counter("agentdeck.executions.failed",
		metric.WithDescription("Number of executions failed"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsCancelled, err = meter.Int64Counter("agentdeck.executions.cancelled",
		metric.WithDescription("Number of executions cancelled"))
	if err != nil {
		return nil, err
	}

	m.TraceEvents, err = meter.Int64Counter("agentdeck.trace.events",
		metric.WithDescription("Number of trace events persisted, by event type"))
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("agentdeck.execution.duration_seconds",
		metric.WithDescription("Execution duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.ExecutionCost, err = meter.Float64Histogram("agentdeck.execution.cost_usd",
		metric.WithDescription("Estimated execution cost in USD"))
	if err != nil {
		return nil, err
	}

	m.FailOpen, err = meter.Int64Counter("agentdeck.security.fail_open",
		metric.WithDescription("Security checks that admitted a request because the limit store failed"))
	if err != nil {
		return nil, err
	}

	m.LockoutDenials, err = meter.Int64Counter("agentdeck.security.lockout_denials",
		metric.WithDescription("Login attempts rejected by an active lockout"))
	if err != nil {
		return nil, err
	}

	m.RateLimitDenials, err = meter.Int64Counter("agentdeck.security.ratelimit_denials",
		metric.WithDescription("Requests rejected by the rate limiter, by class"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordFailOpen counts a fail-open decision of component ("lockout", "ratelimit").
func (m *Metrics) RecordFailOpen(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.FailOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

func (m *Metrics) RecordLockoutDenial(ctx context.Context) {
	if m == nil {
		return
	}
	m.LockoutDenials.Add(ctx, 1)
}

func (m *Metrics) RecordRateLimitDenial(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

func (m *Metrics) RecordExecutionStarted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.ExecutionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordTraceEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.TraceEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordExecutionFinished records the terminal status, duration and cost of an
// execution. Unknown statuses only record the duration.
func (m *Metrics) RecordExecutionFinished(ctx context.Context, status string, elapsed time.Duration, cost pricing.Cost) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	switch status {
	case "completed":
		m.ExecutionsCompleted.Add(ctx, 1)
		m.ExecutionCost.Record(ctx, cost.Float64())
	case "failed":
		m.ExecutionsFailed.Add(ctx, 1)
		m.ExecutionCost.Record(ctx, cost.Float64())
	case "cancelled":
		m.ExecutionsCancelled.Add(ctx, 1)
	}
	m.ExecutionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

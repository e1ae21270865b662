package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Strob0t/AgentDeck/internal/domain/pricing"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

const tracerName = "agentdeck"

// StartExecutionSpan starts a span for one execution run.
func StartExecutionSpan(ctx context.Context, executionID, agentID int64, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execution",
		trace.WithAttributes(
			attribute.Int64("execution.id", executionID),
			attribute.Int64("agent.id", agentID),
			attribute.String("llm.model", model),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within an execution.
func StartToolCallSpan(ctx context.Context, callID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
		),
	)
}

// StartLLMSpan starts a span for one chat completion round trip.
func StartLLMSpan(ctx context.Context, model string, streaming bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Bool("llm.streaming", streaming),
		),
	)
}

// FailSpan marks span as errored. Provider errors can quote request headers,
// so the recorded message is sanitized first.
func FailSpan(span trace.Span, err error) {
	msg := secrets.SanitizeString(err.Error())
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
}

// AnnotateUsage attaches the token totals and estimated cost of a finished run.
func AnnotateUsage(span trace.Span, u pricing.Usage, cost pricing.Cost) {
	span.SetAttributes(
		attribute.Int64("llm.usage.prompt_tokens", u.PromptTokens),
		attribute.Int64("llm.usage.completion_tokens", u.CompletionTokens),
		attribute.Int64("llm.usage.total_tokens", u.TotalTokens),
		attribute.Float64("execution.cost_usd", cost.Float64()),
	)
}

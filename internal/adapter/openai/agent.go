// Package openai implements the agent framework port on top of an
// OpenAI-compatible chat completions API (OpenAI, LiteLLM, Ollama, Azure).
// Agents run a tool loop: the model may call planning and sandboxed
// filesystem tools until it answers without tool calls.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/codes"

	"github.com/Strob0t/AgentDeck/internal/adapter/fsbackend"
	"github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/domain/pricing"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/port/agentframework"
)

const defaultMaxSteps = 25

// ErrFilesystemUnavailable is returned when an agent enables filesystem tools
// but no workspace is configured.
var ErrFilesystemUnavailable = errors.New("filesystem tools requested but no workspace configured")

// Factory builds chat agents from agent configurations.
type Factory struct {
	llm      config.LLM
	maxSteps int
	fs       *fsbackend.Backend
	http     *http.Client
}

// NewFactory creates a factory. fs may be nil, in which case agents that
// enable filesystem tools fail to build.
func NewFactory(llm config.LLM, maxSteps int, fs *fsbackend.Backend) *Factory {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Factory{llm: llm, maxSteps: maxSteps, fs: fs, http: &http.Client{}}
}

// CreateAgent implements agentframework.Factory.
func (f *Factory) CreateAgent(_ context.Context, cfg *agent.Agent) (agentframework.Agent, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = f.llm.APIKey
	}
	clientCfg := goopenai.DefaultConfig(apiKey)
	clientCfg.BaseURL = strings.TrimRight(firstNonEmpty(cfg.BaseURL, f.llm.BaseURL, clientCfg.BaseURL), "/")
	clientCfg.HTTPClient = f.http

	tb := &toolbox{fs: f.fs, enabled: make(map[string]bool)}
	if cfg.EnablePlanning {
		tb.enabled[trace.ToolWriteTodos] = true
	}
	wantFS := cfg.EnableFilesystem
	for _, name := range cfg.Tools {
		switch {
		case trace.IsPlanningTool(name):
			tb.enabled[name] = true
		case trace.IsFilesystemTool(name):
			tb.enabled[name] = true
			wantFS = true
		default:
			slog.Debug("ignoring unsupported tool", "agent_id", cfg.ID, "tool", name)
		}
	}
	if wantFS {
		if f.fs == nil {
			return nil, ErrFilesystemUnavailable
		}
		if cfg.EnableFilesystem {
			for name := range toolSpecs {
				if trace.IsFilesystemTool(name) {
					tb.enabled[name] = true
				}
			}
		}
	}

	return &Agent{
		client:   goopenai.NewClientWithConfig(clientCfg),
		cfg:      *cfg,
		tools:    tb,
		maxSteps: f.maxSteps,
		timeout:  f.llm.RequestTimeout,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Agent is one configured chat agent. It is not safe for concurrent runs.
type Agent struct {
	client   *goopenai.Client
	cfg      agent.Agent
	tools    *toolbox
	maxSteps int
	timeout  time.Duration
}

// Invoke runs the tool loop with blocking completions and returns the final
// state.
func (a *Agent) Invoke(ctx context.Context, in agentframework.Input) (*agentframework.Result, error) {
	return a.run(ctx, in, false, func(trace.Event) bool { return true })
}

// Stream runs the tool loop with streamed completions, yielding each event.
func (a *Agent) Stream(ctx context.Context, in agentframework.Input) iter.Seq2[trace.Event, error] {
	return func(yield func(trace.Event, error) bool) {
		stopped := false
		_, err := a.run(ctx, in, true, func(ev trace.Event) bool {
			if !yield(ev, nil) {
				stopped = true
			}
			return !stopped
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// turn is one assistant reply.
type turn struct {
	msg   goopenai.ChatCompletionMessage
	usage goopenai.Usage
	model string
}

func (a *Agent) run(ctx context.Context, in agentframework.Input, streaming bool, emit func(trace.Event) bool) (*agentframework.Result, error) {
	msgs := a.initialMessages(in)
	req := a.baseRequest(in.Parameters)
	if tools := a.tools.definitions(); len(tools) > 0 {
		req.Tools = tools
	}

	var total pricing.Usage
	for step := 0; step < a.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req.Messages = msgs
		if !emit(trace.LLMInvocation{Model: a.cfg.Model, MessageCount: len(msgs)}) {
			return nil, nil
		}

		t, err := a.complete(ctx, req, streaming)
		if err != nil {
			return nil, err
		}
		usage := toUsage(t.usage)
		if usage != nil {
			total = total.Add(*usage)
		}
		msgs = append(msgs, t.msg)

		if len(t.msg.ToolCalls) == 0 {
			if !emit(trace.LLMMessage{Content: t.msg.Content, Model: t.model, Usage: usage}) {
				return nil, nil
			}
			return &agentframework.Result{
				Messages: toFrameworkMessages(msgs),
				Content:  t.msg.Content,
				Model:    t.model,
				Usage: map[string]any{
					"prompt_tokens":     total.PromptTokens,
					"completion_tokens": total.CompletionTokens,
					"total_tokens":      total.TotalTokens,
				},
			}, nil
		}

		calls := make([]trace.ToolCall, 0, len(t.msg.ToolCalls))
		for _, tc := range t.msg.ToolCalls {
			calls = append(calls, trace.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: parseArgs(tc.Function.Arguments)})
		}
		if !emit(trace.ToolInvocation{Calls: calls, Content: t.msg.Content, Usage: usage}) {
			return nil, nil
		}
		for _, c := range calls {
			out, isErr := a.callTool(ctx, c)
			if !emit(trace.ToolOutput{ToolCallID: c.ID, Name: c.Name, Output: out, IsError: isErr}) {
				return nil, nil
			}
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    out,
				Name:       c.Name,
				ToolCallID: c.ID,
			})
		}
	}
	return nil, fmt.Errorf("agent made no final answer within %d steps", a.maxSteps)
}

func (a *Agent) callTool(ctx context.Context, c trace.ToolCall) (string, bool) {
	ctx, span := otel.StartToolCallSpan(ctx, c.ID, c.Name)
	defer span.End()
	out, isErr := a.tools.call(ctx, c.Name, c.Arguments)
	if isErr {
		span.SetStatus(codes.Error, out)
	}
	return out, isErr
}

func (a *Agent) initialMessages(in agentframework.Input) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(in.Messages)+1)
	if a.cfg.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: a.cfg.SystemPrompt})
	}
	for _, m := range in.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// baseRequest applies the agent settings, then per-execution overrides.
func (a *Agent) baseRequest(params map[string]any) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{Model: a.cfg.Model}
	if a.cfg.Temperature != nil {
		req.Temperature = float32(*a.cfg.Temperature)
	}
	if a.cfg.MaxTokens != nil {
		req.MaxTokens = *a.cfg.MaxTokens
	}
	if v, ok := number(params["temperature"]); ok {
		req.Temperature = float32(v)
	}
	if v, ok := number(params["max_tokens"]); ok && v > 0 {
		req.MaxTokens = int(v)
	}
	if v, ok := number(params["top_p"]); ok {
		req.TopP = float32(v)
	}
	return req
}

func (a *Agent) complete(ctx context.Context, req goopenai.ChatCompletionRequest, streaming bool) (*turn, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	ctx, span := otel.StartLLMSpan(ctx, req.Model, streaming)
	defer span.End()

	var (
		t   *turn
		err error
	)
	if streaming {
		t, err = a.completeStream(ctx, req)
	} else {
		t, err = a.completeBlocking(ctx, req)
	}
	if err != nil {
		otel.FailSpan(span, err)
		return nil, err
	}
	return t, nil
}

func (a *Agent) completeBlocking(ctx context.Context, req goopenai.ChatCompletionRequest) (*turn, error) {
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	msg := resp.Choices[0].Message
	msg.Role = goopenai.ChatMessageRoleAssistant
	return &turn{msg: msg, usage: resp.Usage, model: resp.Model}, nil
}

func (a *Agent) completeStream(ctx context.Context, req goopenai.ChatCompletionRequest) (*turn, error) {
	req.Stream = true
	req.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var (
		content strings.Builder
		calls   = make(map[int]*goopenai.ToolCall)
		order   []int
		t       turn
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chat completion stream: %w", err)
		}
		if chunk.Model != "" {
			t.model = chunk.Model
		}
		if chunk.Usage != nil {
			t.usage = *chunk.Usage
		}
		for _, ch := range chunk.Choices {
			content.WriteString(ch.Delta.Content)
			for _, d := range ch.Delta.ToolCalls {
				idx := 0
				if d.Index != nil {
					idx = *d.Index
				}
				c, ok := calls[idx]
				if !ok {
					c = &goopenai.ToolCall{Type: goopenai.ToolTypeFunction}
					calls[idx] = c
					order = append(order, idx)
				}
				if d.ID != "" {
					c.ID = d.ID
				}
				if d.Function.Name != "" {
					c.Function.Name = d.Function.Name
				}
				c.Function.Arguments += d.Function.Arguments
			}
		}
	}

	t.msg = goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: content.String()}
	for _, idx := range order {
		t.msg.ToolCalls = append(t.msg.ToolCalls, *calls[idx])
	}
	return &t, nil
}

func toUsage(u goopenai.Usage) *pricing.Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	out := pricing.Usage{
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
		TotalTokens:      int64(u.TotalTokens),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return &out
}

func toFrameworkMessages(msgs []goopenai.ChatCompletionMessage) []agentframework.Message {
	out := make([]agentframework.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agentframework.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// parseArgs decodes tool arguments. Malformed JSON is passed to the tool as
// an empty argument set so the tool reports what is missing.
func parseArgs(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

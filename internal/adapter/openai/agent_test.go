package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/AgentDeck/internal/adapter/fsbackend"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/port/agentframework"
	"github.com/Strob0t/AgentDeck/internal/sandbox"
)

// fakeLLM serves /chat/completions from a script of replies, one per request.
type fakeLLM struct {
	mu       sync.Mutex
	replies  []string // "tool:<name>:<json args>" or plain content
	requests []map[string]any
	auth     []string
}

func (f *fakeLLM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests = append(f.requests, body)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	idx := len(f.requests) - 1
	reply := "out of script"
	if idx < len(f.replies) {
		reply = f.replies[idx]
	}
	f.mu.Unlock()

	stream, _ := body["stream"].(bool)
	toolName, toolArgs, isTool := parseScripted(reply)

	if !stream {
		msg := map[string]any{"role": "assistant", "content": reply}
		if isTool {
			msg = map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{
					"id": fmt.Sprintf("call_%d", idx), "type": "function",
					"function": map[string]any{"name": toolName, "arguments": toolArgs},
				}},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl", "object": "chat.completion", "model": "gpt-4o",
			"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	send := func(v any) {
		data, _ := json.Marshal(v)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	}
	chunk := func(delta map[string]any) map[string]any {
		return map[string]any{
			"id": "cmpl", "object": "chat.completion.chunk", "model": "gpt-4o",
			"choices": []any{map[string]any{"index": 0, "delta": delta}},
		}
	}
	if isTool {
		half := len(toolArgs) / 2
		send(chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index": 0, "id": fmt.Sprintf("call_%d", idx), "type": "function",
			"function": map[string]any{"name": toolName, "arguments": toolArgs[:half]},
		}}}))
		send(chunk(map[string]any{"tool_calls": []any{map[string]any{
			"index": 0, "function": map[string]any{"arguments": toolArgs[half:]},
		}}}))
	} else {
		for _, word := range strings.SplitAfter(reply, " ") {
			send(chunk(map[string]any{"content": word}))
		}
	}
	send(map[string]any{
		"id": "cmpl", "object": "chat.completion.chunk", "model": "gpt-4o",
		"choices": []any{},
		"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func parseScripted(reply string) (name, args string, ok bool) {
	rest, found := strings.CutPrefix(reply, "tool:")
	if !found {
		return "", "", false
	}
	name, args, _ = strings.Cut(rest, ":")
	return name, args, true
}

func newTestFactory(t *testing.T, llm *fakeLLM, maxSteps int) (*Factory, string) {
	t.Helper()
	srv := httptest.NewServer(llm)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	sb, err := sandbox.New(dir)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	f := NewFactory(config.LLM{BaseURL: srv.URL + "/v1", APIKey: "sk-default"}, maxSteps, fsbackend.New(sb))
	return f, dir
}

func testAgentConfig() *agent.Agent {
	return &agent.Agent{
		ID:               1,
		Provider:         agent.ProviderOpenAI,
		Model:            "gpt-4o",
		SystemPrompt:     "You are careful.",
		EnablePlanning:   true,
		EnableFilesystem: true,
		Streaming:        true,
		APIKey:           "sk-agent",
	}
}

func input(text string) agentframework.Input {
	return agentframework.Input{Messages: []agentframework.Message{{Role: "user", Content: text}}}
}

func TestStreamToolLoop(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`tool:write_file:{"path":"out/hello.txt","content":"hi there"}`,
		"all done now",
	}}
	f, dir := newTestFactory(t, llm, 5)

	a, err := f.CreateAgent(context.Background(), testAgentConfig())
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	streamer, ok := a.(agentframework.Streamer)
	if !ok {
		t.Fatal("agent should implement Streamer")
	}

	var types []trace.EventType
	var final trace.LLMMessage
	for ev, err := range streamer.Stream(context.Background(), input("write a greeting")) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		types = append(types, trace.Classify(ev))
		if m, ok := ev.(trace.LLMMessage); ok {
			final = m
		}
	}

	want := []trace.EventType{
		trace.TypeLLMCall, trace.TypeFilesystemOperation, trace.TypeToolResult,
		trace.TypeLLMCall, trace.TypeLLMResponse,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	if final.Content != "all done now" {
		t.Errorf("final content = %q", final.Content)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 15 {
		t.Errorf("final usage = %+v", final.Usage)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out", "hello.txt"))
	if err != nil || string(data) != "hi there" {
		t.Fatalf("file = %q, %v", data, err)
	}

	if llm.auth[0] != "Bearer sk-agent" {
		t.Errorf("authorization = %q, want agent key", llm.auth[0])
	}
	msgs, _ := llm.requests[1]["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("second request has %d messages, want system+user+assistant+tool", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message = %v, want system prompt", first)
	}
	if toolMsg, _ := msgs[3].(map[string]any); toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_0" {
		t.Errorf("tool message = %v", toolMsg)
	}
}

func TestInvokeBlocking(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`tool:write_todos:{"todos":[{"content":"read","status":"pending"}]}`,
		"final",
	}}
	f, _ := newTestFactory(t, llm, 5)
	cfg := testAgentConfig()
	cfg.APIKey = ""

	a, err := f.CreateAgent(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	res, err := a.Invoke(context.Background(), agentframework.Input{
		Messages:   input("plan it").Messages,
		Parameters: map[string]any{"temperature": 0.5, "max_tokens": float64(256)},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Content != "final" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Usage["total_tokens"] != int64(30) {
		t.Errorf("usage = %v, want 30 total tokens over two calls", res.Usage)
	}
	if llm.auth[0] != "Bearer sk-default" {
		t.Errorf("authorization = %q, want default key", llm.auth[0])
	}
	if stream, _ := llm.requests[0]["stream"].(bool); stream {
		t.Error("Invoke must not stream")
	}
	if llm.requests[0]["temperature"] != 0.5 || llm.requests[0]["max_tokens"] != float64(256) {
		t.Errorf("overrides not applied: %v", llm.requests[0])
	}
	if got := len(a.(*Agent).tools.todos); got != 1 {
		t.Errorf("todos = %d, want 1", got)
	}
}

func TestStepLimit(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`tool:ls:{"path":""}`,
		`tool:ls:{"path":""}`,
		`tool:ls:{"path":""}`,
	}}
	f, _ := newTestFactory(t, llm, 2)
	a, err := f.CreateAgent(context.Background(), testAgentConfig())
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if _, err := a.Invoke(context.Background(), input("loop")); err == nil || !strings.Contains(err.Error(), "2 steps") {
		t.Fatalf("err = %v, want step limit error", err)
	}
}

func TestToolErrorsGoBackToModel(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`tool:read_file:{"path":"../../etc/passwd"}`,
		"could not read it",
	}}
	f, _ := newTestFactory(t, llm, 5)
	a, err := f.CreateAgent(context.Background(), testAgentConfig())
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	var outputs []trace.ToolOutput
	for ev, err := range a.(agentframework.Streamer).Stream(context.Background(), input("read passwd")) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if o, ok := ev.(trace.ToolOutput); ok {
			outputs = append(outputs, o)
		}
	}
	if len(outputs) != 1 || !outputs[0].IsError || !strings.Contains(outputs[0].Output, "traversal") {
		t.Fatalf("tool outputs = %+v", outputs)
	}
}

func TestToolsEnabledByConfig(t *testing.T) {
	llm := &fakeLLM{replies: []string{"hello"}}
	f, _ := newTestFactory(t, llm, 5)

	tests := []struct {
		name string
		cfg  func(*agent.Agent)
		want []string
	}{
		{"none", func(a *agent.Agent) { a.EnablePlanning, a.EnableFilesystem = false, false }, nil},
		{"planning only", func(a *agent.Agent) { a.EnableFilesystem = false }, []string{"write_todos"}},
		{"single fs tool", func(a *agent.Agent) {
			a.EnablePlanning, a.EnableFilesystem = false, false
			a.Tools = []string{"read_file", "web_search"}
		}, []string{"read_file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAgentConfig()
			tt.cfg(cfg)
			a, err := f.CreateAgent(context.Background(), cfg)
			if err != nil {
				t.Fatalf("CreateAgent: %v", err)
			}
			var got []string
			for _, tool := range a.(*Agent).tools.definitions() {
				got = append(got, tool.Function.Name)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("tools = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilesystemWithoutWorkspace(t *testing.T) {
	f := NewFactory(config.LLM{BaseURL: "http://127.0.0.1:1"}, 5, nil)
	if _, err := f.CreateAgent(context.Background(), testAgentConfig()); err != ErrFilesystemUnavailable {
		t.Fatalf("err = %v, want ErrFilesystemUnavailable", err)
	}
}

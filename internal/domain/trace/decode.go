package trace

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/AgentDeck/internal/domain/pricing"
)

// Decode turns a loosely shaped framework event into a variant. Frameworks
// that emit typed events should construct variants directly; Decode serves
// the ones that emit maps. First match wins:
//
//	todos                         -> PlanUpdate
//	tool_calls with named entries -> ToolInvocation
//	tool_call_id or type "tool"   -> ToolOutput
//	type llm_start / llm_call     -> LLMInvocation
//	type ai / assistant / llm_end -> LLMMessage
//	anything else                 -> StateChange
func Decode(raw map[string]any) Event {
	if raw == nil {
		return StateChange{Data: map[string]any{}}
	}
	if todos, ok := raw["todos"].([]any); ok {
		return PlanUpdate{Todos: decodeTodos(todos)}
	}
	if calls := decodeToolCalls(raw["tool_calls"]); len(calls) > 0 {
		return ToolInvocation{
			Calls:   calls,
			Content: stringField(raw, "content"),
			Usage:   usagePtr(raw),
		}
	}
	kind := stringField(raw, "type")
	if _, ok := raw["tool_call_id"]; ok || kind == "tool" {
		isErr, _ := raw["is_error"].(bool)
		return ToolOutput{
			ToolCallID: stringField(raw, "tool_call_id"),
			Name:       stringField(raw, "name"),
			Output:     firstString(raw, "output", "content"),
			IsError:    isErr,
		}
	}
	switch kind {
	case "llm_start", "llm_call":
		n := 0
		if msgs, ok := raw["messages"].([]any); ok {
			n = len(msgs)
		}
		return LLMInvocation{Model: stringField(raw, "model"), MessageCount: n}
	case "ai", "assistant", "llm_end", "llm_response":
		return LLMMessage{
			Content: stringField(raw, "content"),
			Model:   stringField(raw, "model"),
			Usage:   usagePtr(raw),
		}
	}
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		data[k] = v
	}
	return StateChange{Data: data}
}

func decodeTodos(items []any) []Todo {
	todos := make([]Todo, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		todos = append(todos, Todo{Content: stringField(m, "content"), Status: stringField(m, "status")})
	}
	return todos
}

func decodeToolCalls(v any) []ToolCall {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var calls []ToolCall
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name := stringField(m, "name")
		if name == "" {
			continue
		}
		args, _ := m["args"].(map[string]any)
		if args == nil {
			args, _ = m["arguments"].(map[string]any)
		}
		calls = append(calls, ToolCall{ID: stringField(m, "id"), Name: name, Arguments: args})
	}
	return calls
}

func usagePtr(raw map[string]any) *pricing.Usage {
	u, ok := UsageFromContent(raw)
	if !ok {
		return nil
	}
	return &u
}

// UsageFromContent extracts token usage from a trace's content. It reads the
// "usage" sub-map and, as a fallback, "usage_metadata" with input/output
// token names. Numbers may be any JSON-decoded numeric type.
func UsageFromContent(content map[string]any) (pricing.Usage, bool) {
	if m, ok := content["usage"].(map[string]any); ok {
		u := pricing.Usage{
			PromptTokens:     toInt64(m["prompt_tokens"]),
			CompletionTokens: toInt64(m["completion_tokens"]),
			TotalTokens:      toInt64(m["total_tokens"]),
		}
		return normalizeUsage(u), true
	}
	if m, ok := content["usage_metadata"].(map[string]any); ok {
		u := pricing.Usage{
			PromptTokens:     toInt64(m["input_tokens"]),
			CompletionTokens: toInt64(m["output_tokens"]),
			TotalTokens:      toInt64(m["total_tokens"]),
		}
		return normalizeUsage(u), true
	}
	return pricing.Usage{}, false
}

// SumUsage adds up the usage carried by every trace.
func SumUsage(traces []*Trace) pricing.Usage {
	var total pricing.Usage
	for _, t := range traces {
		if u, ok := UsageFromContent(t.Content); ok {
			total = total.Add(u)
		}
	}
	return total
}

func normalizeUsage(u pricing.Usage) pricing.Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, _ := n.Float64()
			return int64(f)
		}
		return i
	default:
		return 0
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}

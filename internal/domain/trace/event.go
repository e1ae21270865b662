package trace

import "github.com/Strob0t/AgentDeck/internal/domain/pricing"

// Tool names the planning feature exposes.
const ToolWriteTodos = "write_todos"

// Tool names the filesystem feature exposes.
const (
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolEditFile   = "edit_file"
	ToolListDir    = "ls"
	ToolMkdir      = "mkdir"
	ToolDeleteFile = "delete_file"
)

var planningTools = map[string]bool{
	ToolWriteTodos: true,
}

var filesystemTools = map[string]bool{
	ToolReadFile:   true,
	ToolWriteFile:  true,
	ToolEditFile:   true,
	ToolListDir:    true,
	ToolMkdir:      true,
	ToolDeleteFile: true,
}

// IsPlanningTool reports whether name is a planning tool.
func IsPlanningTool(name string) bool { return planningTools[name] }

// IsFilesystemTool reports whether name is one of the filesystem tools.
func IsFilesystemTool(name string) bool { return filesystemTools[name] }

// Event is a framework event decoded into one of a closed set of variants.
// Only types in this package implement it.
type Event interface {
	isEvent()
}

// Todo is one planning list entry.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// PlanUpdate is a change to the agent's planning state that did not arrive as
// a tool call.
type PlanUpdate struct {
	Todos []Todo
}

// ToolCall is one requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolInvocation is an assistant turn that requests one or more tool calls.
type ToolInvocation struct {
	Calls   []ToolCall
	Content string
	Usage   *pricing.Usage
}

// ToolOutput is the result of a tool call.
type ToolOutput struct {
	ToolCallID string
	Name       string
	Output     string
	IsError    bool
}

// LLMInvocation marks a call to the model.
type LLMInvocation struct {
	Model        string
	MessageCount int
}

// LLMMessage is a model response without tool calls.
type LLMMessage struct {
	Content string
	Model   string
	Usage   *pricing.Usage
}

// StateChange is any other framework state transition.
type StateChange struct {
	Data map[string]any
}

func (PlanUpdate) isEvent()     {}
func (ToolInvocation) isEvent() {}
func (ToolOutput) isEvent()     {}
func (LLMInvocation) isEvent()  {}
func (LLMMessage) isEvent()     {}
func (StateChange) isEvent()    {}

// Classify maps an event to its persisted type. A tool invocation naming a
// planning tool is a plan update, one naming a filesystem tool is a
// filesystem operation; both win over the generic tool_call.
func Classify(ev Event) EventType {
	switch e := ev.(type) {
	case PlanUpdate:
		return TypePlanUpdate
	case ToolInvocation:
		for _, c := range e.Calls {
			if planningTools[c.Name] {
				return TypePlanUpdate
			}
		}
		for _, c := range e.Calls {
			if filesystemTools[c.Name] {
				return TypeFilesystemOperation
			}
		}
		return TypeToolCall
	case ToolOutput:
		return TypeToolResult
	case LLMInvocation:
		return TypeLLMCall
	case LLMMessage:
		return TypeLLMResponse
	default:
		return TypeStateUpdate
	}
}

// Content renders an event as the structured map stored on its trace.
func Content(ev Event) map[string]any {
	switch e := ev.(type) {
	case PlanUpdate:
		todos := make([]any, 0, len(e.Todos))
		for _, t := range e.Todos {
			todos = append(todos, map[string]any{"content": t.Content, "status": t.Status})
		}
		return map[string]any{"todos": todos}
	case ToolInvocation:
		calls := make([]any, 0, len(e.Calls))
		for _, c := range e.Calls {
			calls = append(calls, map[string]any{"id": c.ID, "name": c.Name, "args": c.Arguments})
		}
		m := map[string]any{"tool_calls": calls}
		if e.Content != "" {
			m["content"] = e.Content
		}
		if e.Usage != nil {
			m["usage"] = usageMap(*e.Usage)
		}
		return m
	case ToolOutput:
		return map[string]any{
			"tool_call_id": e.ToolCallID,
			"name":         e.Name,
			"output":       e.Output,
			"is_error":     e.IsError,
		}
	case LLMInvocation:
		return map[string]any{"model": e.Model, "message_count": e.MessageCount}
	case LLMMessage:
		m := map[string]any{"content": e.Content}
		if e.Model != "" {
			m["model"] = e.Model
		}
		if e.Usage != nil {
			m["usage"] = usageMap(*e.Usage)
		}
		return m
	case StateChange:
		m := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			m[k] = v
		}
		return m
	default:
		return map[string]any{}
	}
}

func usageMap(u pricing.Usage) map[string]any {
	return map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
}

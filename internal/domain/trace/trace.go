// Package trace defines the Trace domain entity, the closed set of framework
// events an execution can emit, and their classification into event types.
package trace

import "time"

// EventType is the persisted classification of a trace.
type EventType string

const (
	TypePlanUpdate          EventType = "plan_update"
	TypeFilesystemOperation EventType = "filesystem_operation"
	TypeToolCall            EventType = "tool_call"
	TypeToolResult          EventType = "tool_result"
	TypeLLMCall             EventType = "llm_call"
	TypeLLMResponse         EventType = "llm_response"
	TypeStateUpdate         EventType = "state_update"
)

// Wire-only types. They are sent to streaming clients and never persisted.
const (
	TypeExecutionComplete EventType = "execution_complete"
	TypeError             EventType = "error"
)

var persistedTypes = map[EventType]bool{
	TypePlanUpdate:          true,
	TypeFilesystemOperation: true,
	TypeToolCall:            true,
	TypeToolResult:          true,
	TypeLLMCall:             true,
	TypeLLMResponse:         true,
	TypeStateUpdate:         true,
}

// Valid reports whether t is a persistable event type.
func (t EventType) Valid() bool {
	return persistedTypes[t]
}

// Trace is one immutable event within an execution.
type Trace struct {
	ID             int64          `json:"id,omitempty"`
	ExecutionID    int64          `json:"execution_id,omitempty"`
	SequenceNumber int            `json:"sequence_number"`
	Timestamp      time.Time      `json:"timestamp"`
	EventType      EventType      `json:"event_type"`
	Content        map[string]any `json:"content"`
}

// Query narrows a trace listing for one execution.
type Query struct {
	EventType     EventType
	AfterSequence int // -1 = from the start
	Limit         int // 0 = no limit
}

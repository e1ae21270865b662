// Package execution defines the Execution domain entity: one run of an agent
// configuration against an input, and its lifecycle state machine.
package execution

import (
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain/pricing"
)

// Status represents the current state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed next states. pending -> terminal is not
// allowed: an execution has to start before it can finish.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Execution is a single run of an agent configuration.
type Execution struct {
	ID               int64          `json:"id"`
	AgentID          int64          `json:"agent_id"`
	UserID           int64          `json:"user_id"`
	Input            string         `json:"input"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Status           Status         `json:"status"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	PromptTokens     *int64         `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64         `json:"completion_tokens,omitempty"`
	TotalTokens      *int64         `json:"total_tokens,omitempty"`
	EstimatedCost    *pricing.Cost  `json:"estimated_cost,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	ErrorTraceback   *string        `json:"error_traceback,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CreateRequest holds the fields needed to create a pending execution.
type CreateRequest struct {
	AgentID    int64          `json:"agent_id"`
	Input      string         `json:"input"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Completion is what the orchestrator records when an execution finishes normally.
type Completion struct {
	Usage  pricing.Usage
	Cost   pricing.Cost
	Output map[string]any
}

// Failure is what the orchestrator records when an execution fails.
type Failure struct {
	Message   string
	Traceback string
	Usage     pricing.Usage
	Cost      pricing.Cost
}

// ListFilter narrows execution listings.
type ListFilter struct {
	UserID  int64 // 0 = any user
	AgentID int64 // 0 = any agent
	Status  Status
	Limit   int
	Offset  int
}

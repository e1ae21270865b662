// Package agentframework defines the port between the orchestrator and the LLM
// agent runtime that actually executes an agent configuration.
package agentframework

import (
	"context"
	"iter"

	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
)

// Message is one conversation turn handed to an agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input is the initial state of an invocation.
type Input struct {
	Messages []Message
	// Parameters are per-execution overrides (temperature, max_tokens, ...).
	Parameters map[string]any
}

// Result is the final state returned by a blocking invocation.
type Result struct {
	Messages []Message
	Content  string
	Model    string
	Usage    map[string]any
}

// Agent is a configured, ready-to-run agent.
type Agent interface {
	// Invoke runs the agent to completion and returns its final state.
	Invoke(ctx context.Context, in Input) (*Result, error)
}

// Streamer is implemented by agents that can emit events incrementally.
// The sequence ends when the agent is done; an error ends it early.
type Streamer interface {
	Stream(ctx context.Context, in Input) iter.Seq2[trace.Event, error]
}

// Factory builds agents from decrypted configurations.
type Factory interface {
	CreateAgent(ctx context.Context, cfg *agent.Agent) (Agent, error)
}

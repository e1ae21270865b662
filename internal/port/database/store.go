// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
)

// Store is the port interface for database operations.
type Store interface {
	ExecutionStore
	AgentStore
	UserStore
}

// ExecutionStore persists executions. The Mark/Complete/Fail/Cancel methods
// are conditional updates: each applies only when the row is still in the
// expected source state and reports whether it did. A false result with a nil
// error means the execution was missing or had already moved on.
type ExecutionStore interface {
	// CreateExecution inserts a pending execution and fills ID and CreatedAt.
	CreateExecution(ctx context.Context, e *execution.Execution) error
	GetExecution(ctx context.Context, id int64) (*execution.Execution, error)
	ListExecutions(ctx context.Context, f execution.ListFilter) ([]execution.Execution, error)

	// MarkExecutionRunning moves pending -> running and stamps started_at.
	MarkExecutionRunning(ctx context.Context, id int64, at time.Time) (bool, error)
	// CompleteExecution moves running -> completed and stamps completed_at.
	CompleteExecution(ctx context.Context, id int64, at time.Time, c execution.Completion) (bool, error)
	// FailExecution moves running -> failed and stamps completed_at.
	FailExecution(ctx context.Context, id int64, at time.Time, f execution.Failure) (bool, error)
	// CancelExecution moves running -> cancelled and stamps completed_at.
	CancelExecution(ctx context.Context, id int64, at time.Time) (bool, error)
}

// AgentStore persists agent configurations. Sensitive fields arrive already
// encrypted.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id int64) (*agent.Agent, error)
	// ListAgents returns agents owned by ownerID, or all agents when ownerID is 0.
	ListAgents(ctx context.Context, ownerID int64) ([]agent.Agent, error)
}

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *user.User) error
	GetUser(ctx context.Context, id int64) (*user.User, error)
	GetUserByUsername(ctx context.Context, username string) (*user.User, error)
}

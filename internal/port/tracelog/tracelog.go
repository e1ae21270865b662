// Package tracelog defines the port interface for the append-only, per-execution
// trace log.
package tracelog

import (
	"context"

	"github.com/Strob0t/AgentDeck/internal/domain/trace"
)

// Log is the port interface for appending and reading execution traces.
type Log interface {
	// Append persists one trace. Appending a sequence number that already
	// exists for the execution fails with domain.ErrConflict.
	Append(ctx context.Context, t *trace.Trace) error

	// List returns the traces of an execution ordered by sequence number.
	List(ctx context.Context, executionID int64, q trace.Query) ([]*trace.Trace, error)
}

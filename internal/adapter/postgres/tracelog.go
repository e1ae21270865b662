package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentDeck/internal/domain/trace"
)

// TraceLog implements tracelog.Log using PostgreSQL. Uniqueness of
// (execution_id, sequence_number) is enforced by the schema.
type TraceLog struct {
	pool *pgxpool.Pool
}

// NewTraceLog creates a TraceLog backed by the given pool.
func NewTraceLog(pool *pgxpool.Pool) *TraceLog {
	return &TraceLog{pool: pool}
}

// Append inserts one trace and fills its ID.
func (l *TraceLog) Append(ctx context.Context, t *trace.Trace) error {
	if !t.EventType.Valid() {
		return fmt.Errorf("append trace: unknown event type %q", t.EventType)
	}
	content, err := jsonObject(t.Content)
	if err != nil {
		return fmt.Errorf("marshal trace content: %w", err)
	}
	row := l.pool.QueryRow(ctx, `
		INSERT INTO traces (execution_id, sequence_number, occurred_at, event_type, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		t.ExecutionID, t.SequenceNumber, t.Timestamp, t.EventType, content)
	if err := row.Scan(&t.ID); err != nil {
		return conflictWrap(err, "append trace %d/%d", t.ExecutionID, t.SequenceNumber)
	}
	return nil
}

// List returns the traces of an execution ordered by sequence number.
func (l *TraceLog) List(ctx context.Context, executionID int64, q trace.Query) ([]*trace.Trace, error) {
	args := []any{executionID, q.AfterSequence}
	sql := `SELECT id, execution_id, sequence_number, occurred_at, event_type, content
		FROM traces WHERE execution_id = $1 AND sequence_number > $2`
	if q.EventType != "" {
		args = append(args, q.EventType)
		sql += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	sql += " ORDER BY sequence_number"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces %d: %w", executionID, err)
	}
	defer rows.Close()

	var out []*trace.Trace
	for rows.Next() {
		var (
			t       trace.Trace
			content []byte
		)
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.SequenceNumber, &t.Timestamp, &t.EventType, &content); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if t.Content, err = decodeObject(content); err != nil {
			return nil, fmt.Errorf("decode trace content: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

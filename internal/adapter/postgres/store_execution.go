package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/pricing"
)

const executionColumns = `id, agent_id, user_id, input, parameters, status, started_at, completed_at,
	prompt_tokens, completion_tokens, total_tokens, estimated_cost_micros,
	error_message, error_traceback, output, created_at`

func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	params, err := jsonObject(e.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	e.Status = execution.StatusPending

	row := s.pool.QueryRow(ctx, `
		INSERT INTO executions (agent_id, user_id, input, parameters, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.AgentID, e.UserID, e.Input, params, e.Status,
	)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFoundWrap(err, "get execution %d", id)
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, f execution.ListFilter) ([]execution.Execution, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}
	if f.AgentID != 0 {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	q := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) MarkExecutionRunning(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	return applied(tag, err, "mark execution %d running", id)
}

func (s *Store) CompleteExecution(ctx context.Context, id int64, at time.Time, c execution.Completion) (bool, error) {
	output, err := json.Marshal(c.Output)
	if err != nil {
		return false, fmt.Errorf("marshal output: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = 'completed', completed_at = $2,
			prompt_tokens = $3, completion_tokens = $4, total_tokens = $5,
			estimated_cost_micros = $6, output = $7
		WHERE id = $1 AND status = 'running'`,
		id, at, c.Usage.PromptTokens, c.Usage.CompletionTokens, c.Usage.TotalTokens, int64(c.Cost), output)
	return applied(tag, err, "complete execution %d", id)
}

func (s *Store) FailExecution(ctx context.Context, id int64, at time.Time, f execution.Failure) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = 'failed', completed_at = $2,
			prompt_tokens = $3, completion_tokens = $4, total_tokens = $5,
			estimated_cost_micros = $6, error_message = $7, error_traceback = $8
		WHERE id = $1 AND status = 'running'`,
		id, at, f.Usage.PromptTokens, f.Usage.CompletionTokens, f.Usage.TotalTokens, int64(f.Cost),
		f.Message, f.Traceback)
	return applied(tag, err, "fail execution %d", id)
}

func (s *Store) CancelExecution(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status = 'running'`, id, at)
	return applied(tag, err, "cancel execution %d", id)
}

func scanExecution(row scannable) (*execution.Execution, error) {
	var (
		e      execution.Execution
		params []byte
		output []byte
		micros *int64
	)
	err := row.Scan(&e.ID, &e.AgentID, &e.UserID, &e.Input, &params, &e.Status, &e.StartedAt, &e.CompletedAt,
		&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &micros,
		&e.ErrorMessage, &e.ErrorTraceback, &output, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if micros != nil {
		c := pricing.Cost(*micros)
		e.EstimatedCost = &c
	}
	if e.Parameters, err = decodeObject(params); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if e.Output, err = decodeObject(output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return &e, nil
}

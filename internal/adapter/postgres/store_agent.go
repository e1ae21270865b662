package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/AgentDeck/internal/domain/agent"
)

const agentColumns = `id, name, description, provider, model, system_prompt, temperature, max_tokens,
	tools, enable_planning, enable_filesystem, streaming, api_key, base_url, tool_config,
	owner_id, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	toolCfg, err := jsonObject(a.ToolConfig)
	if err != nil {
		return fmt.Errorf("marshal tool config: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (name, description, provider, model, system_prompt, temperature, max_tokens,
			tools, enable_planning, enable_filesystem, streaming, api_key, base_url, tool_config, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at`,
		a.Name, a.Description, a.Provider, a.Model, a.SystemPrompt, a.Temperature, a.MaxTokens,
		pgTextArray(a.Tools), a.EnablePlanning, a.EnableFilesystem, a.Streaming, a.APIKey, a.BaseURL,
		toolCfg, a.OwnerID,
	)
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return conflictWrap(err, "create agent %s", a.Name)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id int64) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %d", id)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, ownerID int64) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE ($1 = 0 OR owner_id = $1)
		ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAgent(row scannable) (*agent.Agent, error) {
	var (
		a       agent.Agent
		toolCfg []byte
	)
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Provider, &a.Model, &a.SystemPrompt,
		&a.Temperature, &a.MaxTokens, &a.Tools, &a.EnablePlanning, &a.EnableFilesystem,
		&a.Streaming, &a.APIKey, &a.BaseURL, &toolCfg, &a.OwnerID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.ToolConfig, err = decodeObject(toolCfg); err != nil {
		return nil, fmt.Errorf("decode tool config: %w", err)
	}
	return &a, nil
}

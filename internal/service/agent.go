package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/port/database"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

// AgentService manages agent configurations. Sensitive fields are encrypted
// before they reach the store and decrypted only for the framework factory.
type AgentService struct {
	store database.AgentStore
	vault *secrets.Vault
}

// NewAgentService creates a new agent service.
func NewAgentService(store database.AgentStore, vault *secrets.Vault) *AgentService {
	return &AgentService{store: store, vault: vault}
}

// Create validates and stores a new agent owned by ownerID.
func (s *AgentService) Create(ctx context.Context, ownerID int64, req *agent.CreateRequest) (*agent.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	a := req.ToAgent(ownerID)
	if err := s.seal(a); err != nil {
		return nil, err
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	slog.InfoContext(ctx, "agent created", "agent_id", a.ID, "owner_id", ownerID, "provider", a.Provider, "model", a.Model)
	return Redact(a), nil
}

// seal encrypts APIKey and every sensitive ToolConfig entry in place.
func (s *AgentService) seal(a *agent.Agent) error {
	if a.APIKey != "" {
		enc := s.vault.EncryptFields(map[string]any{agent.FieldAPIKey: a.APIKey}, []string{agent.FieldAPIKey})
		key, _ := enc[agent.FieldAPIKey].(string)
		if key == secrets.EncryptionFailedMarker {
			return errors.New("encrypt api key failed")
		}
		a.APIKey = key
	}
	if len(a.ToolConfig) > 0 {
		a.ToolConfig = s.vault.EncryptFields(a.ToolConfig, secrets.SensitiveKeys(a.ToolConfig))
	}
	return nil
}

// Get returns an agent with sensitive fields redacted.
func (s *AgentService) Get(ctx context.Context, id int64) (*agent.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return Redact(a), nil
}

// List returns agents owned by ownerID (0 = all) with sensitive fields redacted.
func (s *AgentService) List(ctx context.Context, ownerID int64) ([]agent.Agent, error) {
	agents, err := s.store.ListAgents(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		agents[i] = *Redact(&agents[i])
	}
	return agents, nil
}

// Decrypted loads an agent with its sensitive fields in plaintext. Only the
// orchestrator calls this, right before handing the config to the framework.
func (s *AgentService) Decrypted(ctx context.Context, id int64) (*agent.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.APIKey != "" {
		plain, err := s.vault.Decrypt(a.APIKey)
		if err != nil {
			return nil, fmt.Errorf("agent %d api key: %w", id, err)
		}
		a.APIKey = plain
	}
	if len(a.ToolConfig) > 0 {
		var keys []string
		for k, v := range a.ToolConfig {
			if str, ok := v.(string); ok && (secrets.IsEncrypted(str) || str == secrets.EncryptionFailedMarker) {
				keys = append(keys, k)
			}
		}
		cfg, err := s.vault.DecryptFields(a.ToolConfig, keys)
		if err != nil {
			return nil, fmt.Errorf("agent %d tool config: %w", id, err)
		}
		a.ToolConfig = cfg
	}
	return a, nil
}

// Exists reports whether an agent with the given id is stored.
func (s *AgentService) Exists(ctx context.Context, id int64) (bool, error) {
	_, err := s.store.GetAgent(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Redact returns a copy of a that is safe to return to API clients.
func Redact(a *agent.Agent) *agent.Agent {
	out := *a
	if out.APIKey != "" {
		out.APIKey = secrets.Redacted
	}
	out.ToolConfig = secrets.SanitizeMap(a.ToolConfig)
	return &out
}

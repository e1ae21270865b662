// Package agent defines the Agent configuration entity.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain"
)

// Provider names a model vendor or gateway.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderLiteLLM   Provider = "litellm"
	ProviderAzure     Provider = "azure"
	ProviderOllama    Provider = "ollama"
)

var validProviders = map[Provider]bool{
	ProviderOpenAI:    true,
	ProviderAnthropic: true,
	ProviderLiteLLM:   true,
	ProviderAzure:     true,
	ProviderOllama:    true,
}

// FieldAPIKey is the top-level sensitive field of an agent configuration.
const FieldAPIKey = "api_key"

// Agent is a stored agent configuration. APIKey and sensitive ToolConfig
// entries hold vault ciphertext once persisted.
type Agent struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Provider         Provider       `json:"provider"`
	Model            string         `json:"model"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Tools            []string       `json:"tools,omitempty"`
	EnablePlanning   bool           `json:"enable_planning"`
	EnableFilesystem bool           `json:"enable_filesystem"`
	Streaming        bool           `json:"streaming"`
	APIKey           string         `json:"api_key,omitempty"`
	BaseURL          string         `json:"base_url,omitempty"`
	ToolConfig       map[string]any `json:"tool_config,omitempty"`
	OwnerID          int64          `json:"owner_id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CreateRequest holds the fields needed to create an agent.
type CreateRequest struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Provider         Provider       `json:"provider"`
	Model            string         `json:"model"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Tools            []string       `json:"tools,omitempty"`
	EnablePlanning   bool           `json:"enable_planning"`
	EnableFilesystem bool           `json:"enable_filesystem"`
	Streaming        *bool          `json:"streaming,omitempty"`
	APIKey           string         `json:"api_key,omitempty"`
	BaseURL          string         `json:"base_url,omitempty"`
	ToolConfig       map[string]any `json:"tool_config,omitempty"`
}

// Validate checks that a CreateRequest describes a usable agent.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if len(r.Name) > 128 {
		return fmt.Errorf("name too long (max 128 chars): %w", domain.ErrValidation)
	}
	if r.Provider == "" {
		return fmt.Errorf("provider is required: %w", domain.ErrValidation)
	}
	if !validProviders[r.Provider] {
		return fmt.Errorf("unknown provider %q: %w", r.Provider, domain.ErrValidation)
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model is required: %w", domain.ErrValidation)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2: %w", domain.ErrValidation)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive: %w", domain.ErrValidation)
	}
	return nil
}

// ToAgent builds an unsaved Agent. Streaming defaults to true.
func (r *CreateRequest) ToAgent(ownerID int64) *Agent {
	streaming := true
	if r.Streaming != nil {
		streaming = *r.Streaming
	}
	return &Agent{
		Name:             strings.TrimSpace(r.Name),
		Description:      r.Description,
		Provider:         r.Provider,
		Model:            strings.TrimSpace(r.Model),
		SystemPrompt:     r.SystemPrompt,
		Temperature:      r.Temperature,
		MaxTokens:        r.MaxTokens,
		Tools:            r.Tools,
		EnablePlanning:   r.EnablePlanning,
		EnableFilesystem: r.EnableFilesystem,
		Streaming:        streaming,
		APIKey:           r.APIKey,
		BaseURL:          r.BaseURL,
		ToolConfig:       r.ToolConfig,
		OwnerID:          ownerID,
	}
}

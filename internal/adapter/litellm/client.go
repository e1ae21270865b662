// Package litellm provides a read-only client for the LiteLLM proxy that
// fronts the model providers: liveness for the health endpoint and the model
// catalogue offered to agent authors.
package litellm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Strob0t/AgentDeck/internal/resilience"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

// Model is one entry of the proxy's model catalogue.
type Model struct {
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	// MaxTokens is the context window when the proxy knows it.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// modelInfo is the wire shape of /model/info entries.
type modelInfo struct {
	ModelName string `json:"model_name"`
	Params    struct {
		Model string `json:"model"`
	} `json:"litellm_params"`
	Info struct {
		Provider  string `json:"litellm_provider"`
		MaxTokens int    `json:"max_tokens"`
	} `json:"model_info"`
}

// Client talks to the LiteLLM proxy.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a client for the proxy at baseURL. A trailing "/v1"
// (the OpenAI-compatible prefix) is stripped since the admin routes live at
// the root.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(baseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	return &Client{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Ping checks that the proxy is alive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/health/liveliness")
	return err
}

// ListModels returns the configured models sorted by name, one entry per
// model name.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	body, err := c.get(ctx, "/model/info")
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var result struct {
		Data []modelInfo `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	seen := make(map[string]bool, len(result.Data))
	models := make([]Model, 0, len(result.Data))
	for _, m := range result.Data {
		if m.ModelName == "" || seen[m.ModelName] {
			continue
		}
		seen[m.ModelName] = true
		provider := m.Info.Provider
		if provider == "" {
			// "openai/gpt-4o" style routing names carry the provider
			if p, _, ok := strings.Cut(m.Params.Model, "/"); ok {
				provider = p
			}
		}
		models = append(models, Model{Name: m.ModelName, Provider: provider, MaxTokens: m.Info.MaxTokens})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			// error bodies can echo request headers
			return fmt.Errorf("litellm API error %d: %s", resp.StatusCode, secrets.SanitizeString(string(data)))
		}
		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

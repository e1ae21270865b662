package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

func TestAgentService_EncryptsSensitiveFields(t *testing.T) {
	store := newMockStore()
	svc := NewAgentService(store, newTestVaultForService(t))
	ctx := context.Background()

	created, err := svc.Create(ctx, 7, &agent.CreateRequest{
		Name:     "coder",
		Provider: agent.ProviderLiteLLM,
		Model:    "openai/gpt-4o",
		APIKey:   "sk-live-abcdef",
		ToolConfig: map[string]any{
			"github_token": "ghp_secretvalue",
			"max_results":  10,
			"region":       "eu",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.APIKey != secrets.Redacted {
		t.Errorf("returned api key = %q, want redacted", created.APIKey)
	}
	if created.ToolConfig["github_token"] != secrets.Redacted {
		t.Errorf("returned tool token = %v, want redacted", created.ToolConfig["github_token"])
	}
	if !created.Streaming {
		t.Error("streaming should default to true")
	}

	stored, err := store.GetAgent(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !secrets.IsEncrypted(stored.APIKey) {
		t.Errorf("stored api key %q is not ciphertext", stored.APIKey)
	}
	tok, _ := stored.ToolConfig["github_token"].(string)
	if !secrets.IsEncrypted(tok) {
		t.Errorf("stored tool token %q is not ciphertext", tok)
	}
	if stored.ToolConfig["region"] != "eu" || stored.ToolConfig["max_results"] != 10 {
		t.Errorf("non-sensitive config changed: %v", stored.ToolConfig)
	}

	plain, err := svc.Decrypted(ctx, created.ID)
	if err != nil {
		t.Fatalf("Decrypted: %v", err)
	}
	if plain.APIKey != "sk-live-abcdef" || plain.ToolConfig["github_token"] != "ghp_secretvalue" {
		t.Errorf("decrypted = %q / %v", plain.APIKey, plain.ToolConfig["github_token"])
	}
}

func TestAgentService_GetAndListRedact(t *testing.T) {
	store := newMockStore()
	svc := NewAgentService(store, newTestVaultForService(t))
	ctx := context.Background()

	for _, owner := range []int64{1, 1, 2} {
		if _, err := svc.Create(ctx, owner, &agent.CreateRequest{
			Name: "a", Provider: agent.ProviderOpenAI, Model: "gpt-4o", APIKey: "sk-x",
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	mine, err := svc.List(ctx, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("owner 1 has %d agents, want 2", len(mine))
	}
	all, _ := svc.List(ctx, 0)
	if len(all) != 3 {
		t.Errorf("all agents = %d, want 3", len(all))
	}
	for _, a := range all {
		if a.APIKey != secrets.Redacted {
			t.Errorf("agent %d api key leaked: %q", a.ID, a.APIKey)
		}
	}

	got, err := svc.Get(ctx, all[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.APIKey != secrets.Redacted {
		t.Errorf("Get api key = %q", got.APIKey)
	}
	if _, err := svc.Get(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing agent: err = %v", err)
	}
	if ok, err := svc.Exists(ctx, 999); ok || err != nil {
		t.Errorf("Exists(999) = %v, %v", ok, err)
	}
}

func TestAgentService_DecryptWithWrongKeyFails(t *testing.T) {
	store := newMockStore()
	ctx := context.Background()
	created, err := NewAgentService(store, newTestVaultForService(t)).Create(ctx, 1, &agent.CreateRequest{
		Name: "a", Provider: agent.ProviderOpenAI, Model: "gpt-4o", APIKey: "sk-x",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	other := NewAgentService(store, newTestVaultForService(t))
	if _, err := other.Decrypted(ctx, created.ID); !errors.Is(err, secrets.ErrDecryption) {
		t.Errorf("err = %v, want ErrDecryption", err)
	}
}

func TestAgentService_CreateValidation(t *testing.T) {
	svc := NewAgentService(newMockStore(), newTestVaultForService(t))
	_, err := svc.Create(context.Background(), 1, &agent.CreateRequest{Name: "x", Provider: "skynet", Model: "m"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

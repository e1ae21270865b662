package litellm_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/litellm"
	"github.com/Strob0t/AgentDeck/internal/resilience"
)

const modelInfoBody = `{"data":[
	{"model_name":"gpt-4o","litellm_params":{"model":"openai/gpt-4o"},"model_info":{"litellm_provider":"openai","max_tokens":128000}},
	{"model_name":"claude-sonnet","litellm_params":{"model":"anthropic/claude-sonnet-4"},"model_info":{}},
	{"model_name":"gpt-4o","litellm_params":{"model":"azure/gpt-4o"},"model_info":{"litellm_provider":"azure"}},
	{"model_name":"","litellm_params":{"model":"x"}}
]}`

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model/info" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth: %q", auth)
		}
		_, _ = w.Write([]byte(modelInfoBody))
	}))
	defer srv.Close()

	// The OpenAI-compatible prefix is stripped.
	client := litellm.NewClient(srv.URL+"/v1/", "test-key", time.Second)
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	want := []litellm.Model{
		{Name: "claude-sonnet", Provider: "anthropic"},
		{Name: "gpt-4o", Provider: "openai", MaxTokens: 128000},
	}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d: %+v", len(models), len(want), models)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Errorf("models[%d] = %+v, want %+v", i, models[i], want[i])
		}
	}
}

func TestPing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unavailable", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health/liveliness" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`"I'm alive!"`))
			}))
			defer srv.Close()

			err := litellm.NewClient(srv.URL, "", time.Second).Ping(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Ping err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestErrorBodyIsSanitized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`invalid api_key=sk-live-123`))
	}))
	defer srv.Close()

	_, err := litellm.NewClient(srv.URL, "k", time.Second).ListModels(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "sk-live-123") {
		t.Errorf("error leaks key: %v", err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := litellm.NewClient(srv.URL, "", time.Second)
	client.SetBreaker(resilience.NewBreaker(2, time.Minute))

	for range 2 {
		if err := client.Ping(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	}
	err := client.Ping(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}
}

package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/litellm"
	"github.com/Strob0t/AgentDeck/internal/service"
)

const defaultBodyLimit = 1 << 20 // 1 MB

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// ModelCatalogue lists the models agents can be configured with.
type ModelCatalogue interface {
	ListModels(ctx context.Context) ([]litellm.Model, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Auth         *service.AuthService
	Agents       *service.AgentService
	Executions   *service.ExecutionService
	Orchestrator *service.Orchestrator
	Lockout      *service.LockoutGuard
	Models       ModelCatalogue // nil when no proxy is configured
	// Checks are reported by /health; a failing check turns the response 503.
	Checks    map[string]HealthCheck
	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.Checks))
	}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Strob0t/AgentDeck/internal/domain/agent"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/secrets"
)

// ListAgents handles GET /api/v1/agents. Admins see every agent.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	handleList(func(ctx context.Context, u *user.User) ([]agent.Agent, error) {
		owner := u.ID
		if u.IsAdmin() {
			owner = 0
		}
		return h.Agents.List(ctx, owner)
	})(w, r)
}

// CreateAgent handles POST /api/v1/agents
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	handleCreate(h.bodyLimit(), func(ctx context.Context, u *user.User, req *agent.CreateRequest) (*agent.Agent, error) {
		return h.Agents.Create(ctx, u.ID, req)
	})(w, r)
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Agents.Get, func(a *agent.Agent) int64 { return a.OwnerID }, "agent not found")(w, r)
}

// ListModels handles GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.Models == nil {
		writeError(w, http.StatusServiceUnavailable, "model catalogue unavailable")
		return
	}
	models, err := h.Models.ListModels(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "list models failed", "error", secrets.SanitizeString(err.Error()))
		writeError(w, http.StatusBadGateway, "model catalogue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, models)
}

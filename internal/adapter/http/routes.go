package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentDeck/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. mws wrap the
// /api/v1 group (authentication, rate limiting).
func MountRoutes(r chi.Router, h *Handlers, mws ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mws...)

		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Auth
		r.Post("/auth/login", h.Login)
		r.Get("/auth/me", h.Me)

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.CreateAgent)
		r.Get("/agents/{id}", h.GetAgent)

		r.Get("/models", h.ListModels)

		// Executions
		r.Get("/executions", h.ListExecutions)
		r.Post("/executions", h.CreateExecution)
		r.Get("/executions/{id}", h.GetExecution)
		r.Post("/executions/{id}/start", h.StartExecution)
		r.Post("/executions/{id}/cancel", h.CancelExecution)
		r.Get("/executions/{id}/traces", h.ListTraces)

		// Lockout administration (admin only)
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin())
			r.Get("/lockout/{identity}", h.LockoutStatus)
			r.Post("/lockout/{identity}/unlock", h.UnlockAccount)
		})
	})
}

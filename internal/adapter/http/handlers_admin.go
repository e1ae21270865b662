package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/middleware"
)

func identityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := user.NormalizeUsername(chi.URLParam(r, "identity"))
	if id == "" || strings.ContainsAny(id, " \t\r\n") {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return "", false
	}
	return id, true
}

// LockoutStatus handles GET /api/v1/admin/lockout/{identity}
func (h *Handlers) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Lockout.Status(r.Context(), id))
}

type unlockResponse struct {
	Identity string `json:"identity"`
	Unlocked bool   `json:"unlocked"`
}

// UnlockAccount handles POST /api/v1/admin/lockout/{identity}/unlock
func (h *Handlers) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	unlocked := h.Lockout.Unlock(r.Context(), id)
	if admin := middleware.UserFromContext(r.Context()); admin != nil {
		slog.InfoContext(r.Context(), "admin unlock", "identity", id, "admin_id", admin.ID, "was_locked", unlocked)
	}
	writeJSON(w, http.StatusOK, unlockResponse{Identity: id, Unlocked: unlocked})
}

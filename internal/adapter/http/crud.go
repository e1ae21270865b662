package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/AgentDeck/internal/domain/user"
	"github.com/Strob0t/AgentDeck/internal/middleware"
)

// ---------------------------------------------------------------------------
// Generic handler factories for caller-owned resources
// ---------------------------------------------------------------------------

// caller returns the authenticated user, writing a 401 when there is none.
func caller(w http.ResponseWriter, r *http.Request) (*user.User, bool) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return nil, false
	}
	return u, true
}

// visible reports whether u may see a resource owned by ownerID.
func visible(u *user.User, ownerID int64) bool {
	return u.IsAdmin() || u.ID == ownerID
}

// handleList creates a handler that lists the resources visible to the caller.
func handleList[T any](listFn func(ctx context.Context, u *user.User) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := caller(w, r)
		if !ok {
			return
		}
		items, err := listFn(r.Context(), u)
		if err != nil {
			writeDomainError(w, err, "not found")
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// handleGet creates a handler that retrieves a single resource by URL param
// "id". Resources owned by someone else are reported as missing to
// non-admins.
func handleGet[T any](getFn func(ctx context.Context, id int64) (*T, error), owner func(*T) int64, notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		item, err := getFn(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		if !visible(u, owner(item)) {
			writeError(w, http.StatusNotFound, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleCreate creates a handler that decodes a JSON body and creates a
// resource owned by the caller.
func handleCreate[Req any, Res any](bodyLimit int64, createFn func(ctx context.Context, u *user.User, req *Req) (*Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := caller(w, r)
		if !ok {
			return
		}
		req, ok := readJSON[Req](w, r, bodyLimit)
		if !ok {
			return
		}
		res, err := createFn(r.Context(), u, &req)
		if err != nil {
			writeDomainError(w, err, "creation failed")
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

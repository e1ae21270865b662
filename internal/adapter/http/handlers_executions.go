package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
	"github.com/Strob0t/AgentDeck/internal/domain/trace"
	"github.com/Strob0t/AgentDeck/internal/domain/user"
)

const executionNotFound = "execution not found"

// CreateExecution handles POST /api/v1/executions. Non-admins may only run
// their own agents.
func (h *Handlers) CreateExecution(w http.ResponseWriter, r *http.Request) {
	handleCreate(h.bodyLimit(), func(ctx context.Context, u *user.User, req *execution.CreateRequest) (*execution.Execution, error) {
		if !u.IsAdmin() && req.AgentID > 0 {
			a, err := h.Agents.Get(ctx, req.AgentID)
			switch {
			case errors.Is(err, domain.ErrNotFound) || (err == nil && a.OwnerID != u.ID):
				return nil, fmt.Errorf("agent %d does not exist: %w", req.AgentID, domain.ErrValidation)
			case err != nil:
				return nil, err
			}
		}
		return h.Executions.Create(ctx, u.ID, req)
	})(w, r)
}

// ListExecutions handles GET /api/v1/executions
// (?status=&agent_id=&limit=&offset=, admins also ?user_id=).
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	u, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := execution.ListFilter{UserID: u.ID, Status: execution.Status(q.Get("status"))}

	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := q.Get("agent_id"); raw != "" {
		if f.AgentID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "agent_id must be an integer")
			return
		}
	}
	if u.IsAdmin() {
		f.UserID = 0
		if raw := q.Get("user_id"); raw != "" {
			if f.UserID, err = strconv.ParseInt(raw, 10, 64); err != nil {
				writeError(w, http.StatusBadRequest, "user_id must be an integer")
				return
			}
		}
	}

	items, err := h.Executions.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	if items == nil {
		items = []execution.Execution{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Executions.Get, func(e *execution.Execution) int64 { return e.UserID }, executionNotFound)(w, r)
}

// ownedExecution loads the execution in URL param "id" and checks that the
// caller may act on it. It writes the error response itself.
func (h *Handlers) ownedExecution(w http.ResponseWriter, r *http.Request) (*execution.Execution, bool) {
	u, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return nil, false
	}
	e, err := h.Executions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return nil, false
	}
	if !visible(u, e.UserID) {
		writeError(w, http.StatusNotFound, executionNotFound)
		return nil, false
	}
	return e, true
}

type startResponse struct {
	ExecutionID int64            `json:"execution_id"`
	Status      execution.Status `json:"status"`
}

// StartExecution handles POST /api/v1/executions/{id}/start. The run
// continues in the background; progress is visible through traces and the
// dashboard feed.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.RunDetached(r.Context(), e.ID); err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ExecutionID: e.ID, Status: execution.StatusRunning})
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}
	cancelled, err := h.Executions.Cancel(r.Context(), e.ID)
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: cancelled})
}

// ListTraces handles GET /api/v1/executions/{id}/traces
// (?event_type=&after_sequence=&limit=).
func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	e, ok := h.ownedExecution(w, r)
	if !ok {
		return
	}
	q := trace.Query{EventType: trace.EventType(r.URL.Query().Get("event_type"))}
	var err error
	if q.AfterSequence, err = queryInt(r, "after_sequence", -1); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	traces, err := h.Executions.Traces(r.Context(), e.ID, q)
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	if traces == nil {
		traces = []*trace.Trace{}
	}
	writeJSON(w, http.StatusOK, traces)
}

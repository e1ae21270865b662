package execution

import (
	"fmt"

	"github.com/Strob0t/AgentDeck/internal/domain"
)

const maxInputLength = 100_000

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	return validStatuses[s]
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.AgentID <= 0 {
		return fmt.Errorf("agent_id is required: %w", domain.ErrValidation)
	}
	if r.Input == "" {
		return fmt.Errorf("input is required: %w", domain.ErrValidation)
	}
	if len(r.Input) > maxInputLength {
		return fmt.Errorf("input too long (max %d bytes): %w", maxInputLength, domain.ErrValidation)
	}
	return nil
}

// Validate checks the invariants a persisted execution must hold.
func (e *Execution) Validate() error {
	if e.AgentID <= 0 {
		return fmt.Errorf("agent_id is required")
	}
	if !validStatuses[e.Status] {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.Status != StatusPending && e.StartedAt == nil {
		return fmt.Errorf("status %s requires started_at", e.Status)
	}
	if e.Status.IsTerminal() && e.CompletedAt == nil {
		return fmt.Errorf("status %s requires completed_at", e.Status)
	}
	if !e.Status.IsTerminal() && e.CompletedAt != nil {
		return fmt.Errorf("completed_at set on non-terminal status %s", e.Status)
	}
	if e.StartedAt != nil && e.CompletedAt != nil && e.CompletedAt.Before(*e.StartedAt) {
		return fmt.Errorf("completed_at precedes started_at")
	}
	if e.EstimatedCost != nil && *e.EstimatedCost < 0 {
		return fmt.Errorf("estimated_cost must be non-negative")
	}
	return nil
}

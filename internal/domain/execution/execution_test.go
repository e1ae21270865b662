package execution_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/execution"
)

func TestCanTransition(t *testing.T) {
	all := []execution.Status{
		execution.StatusPending,
		execution.StatusRunning,
		execution.StatusCompleted,
		execution.StatusFailed,
		execution.StatusCancelled,
	}
	allowed := map[[2]execution.Status]bool{
		{execution.StatusPending, execution.StatusRunning}:   true,
		{execution.StatusRunning, execution.StatusCompleted}: true,
		{execution.StatusRunning, execution.StatusFailed}:    true,
		{execution.StatusRunning, execution.StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]execution.Status{from, to}]
			if got := execution.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, s := range []execution.Status{execution.StatusCompleted, execution.StatusFailed, execution.StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		for _, to := range []execution.Status{execution.StatusPending, execution.StatusRunning} {
			if execution.CanTransition(s, to) {
				t.Errorf("terminal %s must not transition to %s", s, to)
			}
		}
	}
	if execution.StatusRunning.IsTerminal() || execution.StatusPending.IsTerminal() {
		t.Error("pending/running must not be terminal")
	}
}

func TestCreateRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     execution.CreateRequest
		wantErr bool
	}{
		{"valid", execution.CreateRequest{AgentID: 1, Input: "hello"}, false},
		{"missing agent", execution.CreateRequest{Input: "hello"}, true},
		{"missing input", execution.CreateRequest{AgentID: 1}, true},
		{"input too long", execution.CreateRequest{AgentID: 1, Input: string(make([]byte, 100_001))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestExecutionValidate(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	before := start.Add(-time.Minute)

	tests := []struct {
		name    string
		exec    execution.Execution
		wantErr bool
	}{
		{"pending", execution.Execution{AgentID: 1, Status: execution.StatusPending}, false},
		{"running", execution.Execution{AgentID: 1, Status: execution.StatusRunning, StartedAt: &start}, false},
		{"completed", execution.Execution{AgentID: 1, Status: execution.StatusCompleted, StartedAt: &start, CompletedAt: &end}, false},
		{"running without started_at", execution.Execution{AgentID: 1, Status: execution.StatusRunning}, true},
		{"failed without completed_at", execution.Execution{AgentID: 1, Status: execution.StatusFailed, StartedAt: &start}, true},
		{"running with completed_at", execution.Execution{AgentID: 1, Status: execution.StatusRunning, StartedAt: &start, CompletedAt: &end}, true},
		{"completed before start", execution.Execution{AgentID: 1, Status: execution.StatusCompleted, StartedAt: &start, CompletedAt: &before}, true},
		{"unknown status", execution.Execution{AgentID: 1, Status: "paused"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.exec.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

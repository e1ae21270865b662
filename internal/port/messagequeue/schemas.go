package messagequeue

import "time"

// ExecutionStatusPayload is the schema for executions.<id>.status messages.
type ExecutionStatusPayload struct {
	ExecutionID int64     `json:"execution_id"`
	AgentID     int64     `json:"agent_id"`
	UserID      int64     `json:"user_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CostUSD     string    `json:"cost_usd,omitempty"`
	TotalTokens int64     `json:"total_tokens,omitempty"`
	At          time.Time `json:"at"`
}

// Owner returns the user the status belongs to. The dashboard hub only
// forwards a status to its owner and to admins.
func (p ExecutionStatusPayload) Owner() int64 { return p.UserID }

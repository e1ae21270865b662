// Package messagequeue defines the port that carries execution status
// changes between replicas, plus the subjects and payload schemas on it.
package messagequeue

import (
	"context"
	"strconv"
)

// Handler processes one message. ctx carries the publisher's request id.
// A non-nil error asks the queue to redeliver; after the queue's retry
// budget the message is dead-lettered.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes and consumes status messages with at-least-once delivery.
// Lifecycle (drain, close, health) belongs to the concrete adapter.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe consumes messages published after the call on subject, which
	// may contain wildcards. The returned function stops consumption.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)
}

const (
	// SubjectExecutionStatusAll matches every executions.<id>.status subject
	// and nothing on the dead-letter subjects.
	SubjectExecutionStatusAll = "executions.*.status"
	subjectExecutionPrefix    = "executions."
	subjectStatusSuffix       = ".status"
)

// ExecutionStatusSubject is "executions.<id>.status".
func ExecutionStatusSubject(executionID int64) string {
	return subjectExecutionPrefix + strconv.FormatInt(executionID, 10) + subjectStatusSuffix
}

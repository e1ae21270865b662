// Package broadcast defines the port for pushing live events to dashboard
// websocket clients.
package broadcast

import "context"

// EventExecutionStatus carries a messagequeue.ExecutionStatusPayload.
const EventExecutionStatus = "execution.status"

// Owned is implemented by payloads that belong to one user. A Broadcaster
// delivers them only to that user's connections and to admins; payloads
// without an owner go to every client.
type Owned interface {
	Owner() int64
}

// Broadcaster fans an event out to connected clients. Delivery is best
// effort: slow or closed connections are dropped, never waited on.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

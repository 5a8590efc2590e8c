// Package broadcast fans out task status events to subscriber connections,
// buffering events for sessions that have no subscriber yet.
package broadcast

import "time"

// EventType tags a status event. The set is closed; Data carries the
// type-specific payload.
type EventType string

const (
	// EventConnectionEstablished is synthesized for every new subscriber
	// immediately on attach, before any backlog flush.
	EventConnectionEstablished EventType = "connection.established"

	EventTaskQueued    EventType = "task.queued"
	EventTaskStarted   EventType = "task.started"
	EventTaskIteration EventType = "task.iteration"
	EventTaskTool      EventType = "task.tool"
	EventTaskCompleted EventType = "task.completed"

	// EventKeepAlive is a periodic no-op liveness signal that defeats
	// intermediary idle-connection timeouts on long-running tasks.
	EventKeepAlive EventType = "keepalive"
)

// Event is the wire record pushed to subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, data map[string]any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now()}
}

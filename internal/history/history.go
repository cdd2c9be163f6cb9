// Package history exports server lifecycle transitions to external systems
// for audit and statistics. Sinks are optional; the supervisor runs fine
// with none configured.
package history

import (
	"context"
	"time"
)

// EventType classifies a lifecycle transition.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventReclaim  EventType = "reclaim"
	EventIdleStop EventType = "idle_stop"
	EventError    EventType = "error"
)

// Event is one recorded transition.
type Event struct {
	Type       EventType `json:"type"`
	Server     string    `json:"server"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle events. Implementations must be safe
// for concurrent use; Send failures are logged by the caller and never
// affect supervision.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

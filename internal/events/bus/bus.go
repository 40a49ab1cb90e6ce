// Package bus provides event bus abstractions for Agentfleet.
//
// The execution manager and the command queue publish lifecycle events here;
// the websocket and chat adapters subscribe and fan them out to clients.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects.
const (
	// SubjectExecutions carries execution lifecycle events
	// (start, output, complete, error, cancel, question, question:answered).
	SubjectExecutions = "executions"

	// SubjectQueue carries queue events (queue:add, queue:remove).
	SubjectQueue = "queue"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
//
// Implementations must deliver events from one publisher to one subscriber in
// publish order; streamed output chunks rely on this.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}

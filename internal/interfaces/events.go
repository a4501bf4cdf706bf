package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventJobStateChanged fires after every job state transition. The
	// orchestrator subscribes to mirror workflow-step jobs; the payload is
	// the updated *models.Job. Delivery is best-effort - the reconciler
	// repairs missed notifications.
	EventJobStateChanged EventType = "job_state_changed"

	// EventJobEnqueued fires after a new job row is inserted
	EventJobEnqueued EventType = "job_enqueued"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the in-process pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes an event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}

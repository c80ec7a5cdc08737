package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Bridge channel lifecycle.
	EventChannelReady  EventType = "channel.ready"
	EventChannelReset  EventType = "channel.reset"
	EventChannelClosed EventType = "channel.closed"
	EventChannelFocus  EventType = "channel.focus"
	EventBridgeReplay  EventType = "channel.bootstrap.replayed"

	// Bridge traffic.
	EventRequestTimeout EventType = "bridge.request.timeout"
	EventStaleResponse  EventType = "bridge.response.stale"

	// Records.
	EventRecordSaved     EventType = "record.saved"
	EventRecordFinalized EventType = "record.finalized"
	EventFormSubmitted   EventType = "form.submitted"

	// Form specifications.
	EventFormSpecInvalidated EventType = "formspec.invalidated"

	// Sync.
	EventSyncStarted   EventType = "sync.started"
	EventSyncCompleted EventType = "sync.completed"
	EventSyncFailed    EventType = "sync.failed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
// Delivery is synchronous and in subscription order, so bridge tests
// can assert on ordering without sleeping.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close prevents further publishes.
	Close()
}

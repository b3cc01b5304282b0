package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event being published.
type EventType string

const (
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
	EventConnectionFailed EventType = "connection.failed"

	EventEndpointChanged    EventType = "endpoint.changed"
	EventEndpointOverridden EventType = "endpoint.overridden"
	EventEndpointReverted   EventType = "endpoint.reverted"

	EventConfigRefreshed     EventType = "config.refreshed"
	EventConfigRefreshFailed EventType = "config.refresh_failed"

	EventQueryCompleted EventType = "query.completed"
	EventQueryFailed    EventType = "query.failed"
	EventRelayNotice    EventType = "relay.notice"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Class     ServerClass     `json:"class,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time and a JSON payload.
// A payload that fails to marshal is dropped rather than failing the publish.
func NewEvent(typ EventType, class ServerClass, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now(), Class: class}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for lifecycle events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NopBus discards every event. Components use it when no bus is injected.
type NopBus struct{}

func (NopBus) Publish(context.Context, Event)           {}
func (NopBus) Subscribe(EventType, EventHandler) func() { return func() {} }
func (NopBus) SubscribeAll(EventHandler) func()         { return func() {} }
func (NopBus) Close()                                   {}

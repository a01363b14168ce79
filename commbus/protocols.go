// Package commbus provides the communication bus protocols and implementation.
//
// This module defines the canonical protocols for in-process messaging.
// Components depend on these protocols, not implementations.
//
// Protocol Categories:
//   - CommBus Protocols: Message, Query, CommBus, Middleware
package commbus

import (
	"context"
)

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is the protocol for all commbus messages.
// All messages (events, queries, commands) must have a category.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for query messages that expect a response.
// Queries are request-response: send query, get response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// Handler is the protocol for message handlers.
// Handlers process messages and optionally return responses (for queries).
type Handler interface {
	// Handle processes a message and returns a response for queries.
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware is the protocol for commbus middleware.
// Middleware can intercept messages before/after handling.
// Used for logging, telemetry, circuit breaking, etc.
type Middleware interface {
	// Before is called before message is handled.
	// Returns modified message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after message is handled.
	// Returns modified result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the communication bus.
//
// The CommBus provides three messaging patterns:
//   - Publish(event): Fire-and-forget, fan-out to all subscribers
//   - Send(command): Fire-and-forget, single handler
//   - QuerySync(query): Request-response, returns result
type CommBus interface {
	// ==========================================================================
	// MESSAGING
	// ==========================================================================

	// Publish publishes an event to all subscribers.
	// Events are fire-and-forget with fan-out semantics.
	Publish(ctx context.Context, event Message) error

	// Send sends a command to its handler.
	// Commands are fire-and-forget with single-handler semantics.
	Send(ctx context.Context, command Message) error

	// QuerySync sends a query and waits for response.
	// Queries are request-response with single-handler semantics.
	QuerySync(ctx context.Context, query Query) (any, error)

	// ==========================================================================
	// REGISTRATION
	// ==========================================================================

	// Subscribe subscribes to an event type.
	// Returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers a handler for a message type.
	// Only one handler per message type is allowed.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware adds middleware to the bus.
	// Middleware is executed in registration order.
	AddMiddleware(middleware Middleware)

	// ==========================================================================
	// INTROSPECTION
	// ==========================================================================

	// HasHandler checks if a handler is registered for a message type.
	HasHandler(messageType string) bool

	// GetSubscribers gets all subscribers for an event type.
	GetSubscribers(eventType string) []HandlerFunc

	// Clear removes all handlers, subscribers, and middleware.
	Clear()
}

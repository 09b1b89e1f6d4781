/*
Package event provides a type-safe pub/sub event system for the broker.

The event system decouples the Permission Manager and Plan Approval Manager
from the Dispatcher: managers publish lifecycle events without knowing who,
if anyone, is listening; the Dispatcher subscribes and turns events into wire
messages for connected clients.

# Architecture

The package is built on top of watermill's gochannel for infrastructure while
maintaining direct-call semantics to preserve type information. It provides
both synchronous and asynchronous event publishing patterns.

# Event Types

Permission events:
  - permission.request: a tool call is awaiting a human decision
  - permission.timeout: a pending request was force-resolved by its timer
  - permission.resolved: a request ended by user decision, agent cancel,
    session drop, or shutdown (a timeout publishes only permission.timeout)

Plan events:
  - plan.request: a plan is awaiting a human decision
  - plan.timeout: a pending plan was force-resolved by its timer
  - plan.resolved: a client approved or rejected a plan (a timeout publishes
    only plan.timeout; Cancel publishes no event)

Dispatcher/client events:
  - client.connected / client.disconnected: connection lifecycle
  - no-clients: a request had no session-matching client to deliver to

# Basic Usage

Publishing events:

	event.Publish(event.Event{
		Type: event.PermissionRequest,
		Data: event.PermissionRequestData{ID: reqID, ToolName: "Read"},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.PermissionRequest, func(e event.Event) {
		data := e.Data.(event.PermissionRequestData)
		logging.Info().Str("requestId", data.ID).Msg("permission requested")
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		logging.Debug().Str("type", string(e.Type)).Msg("event received")
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the
publisher's goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

# Custom Event Bus

For testing or isolation, create custom bus instances:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.PermissionRequest, handler)
	bus.PublishSync(event.Event{Type: event.PermissionRequest, Data: data})

# Testing

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple
goroutines. Both publishing and subscribing operations are protected by
internal synchronization.

# Integration with Watermill

	pubsub := event.PubSub()
	// Use watermill features like middleware, routing, etc.
*/
package event

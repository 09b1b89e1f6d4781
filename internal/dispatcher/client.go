package dispatcher

import (
	"container/list"
	"sync"
)

// DefaultMaxQueuedPerClient bounds each client's outbound queue (spec.md
// §4.5, §8 property 9) when the Dispatcher has no configured override.
// Overflow drops the oldest queued message.
const DefaultMaxQueuedPerClient = 100

// Channel is the transport-agnostic bidirectional connection a binding
// (e.g. internal/wsserver) presents to the Dispatcher. Send need not be safe
// to call concurrently with itself: the Dispatcher serializes all sends to a
// given client under that client's mutex. Ping is called without that lock
// and may run concurrently with Send.
type Channel interface {
	// Send writes one JSON-encodable message. It returns an error if the
	// channel is unwritable (closed, backpressured past the binding's own
	// limits, etc); such errors cause the message to be queued instead.
	Send(v any) error
	// Ping writes a transport-level liveness probe (e.g. a native
	// WebSocket ping frame). Its response, if any, must reach the
	// Dispatcher through Dispatcher.Pong.
	Ping() error
	// Close closes the underlying connection.
	Close() error
}

// Client is the Dispatcher's view of one connected UI (spec.md §3 "Client
// (Dispatcher state)"). The Permission Manager never sees this type.
type Client struct {
	ID        string
	SessionID string // may be empty: unbound to any session

	mu                sync.Mutex
	channel           Channel
	alive             bool
	pendingRequestIDs map[string]struct{}
	outbound          *list.List // queue of any, FIFO, bounded to maxQueued
	maxQueued         int
}

func newClient(id, sessionID string, channel Channel, maxQueued int) *Client {
	return &Client{
		ID:                id,
		SessionID:         sessionID,
		channel:           channel,
		alive:             true,
		pendingRequestIDs: make(map[string]struct{}),
		outbound:          list.New(),
		maxQueued:         maxQueued,
	}
}

// markAlive sets the heartbeat flag; called when a pong is received.
func (c *Client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// clearAlive resets the heartbeat flag at the start of a heartbeat tick;
// it returns the previous value so the caller can detect a missed beat.
func (c *Client) clearAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// addPending records that the client has been told about requestID.
func (c *Client) addPending(requestID string) {
	c.mu.Lock()
	c.pendingRequestIDs[requestID] = struct{}{}
	c.mu.Unlock()
}

// hasPending reports whether requestID is in the client's pending set.
func (c *Client) hasPending(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pendingRequestIDs[requestID]
	return ok
}

// removePending clears requestID from the client's pending set, reporting
// whether it was present.
func (c *Client) removePending(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pendingRequestIDs[requestID]; !ok {
		return false
	}
	delete(c.pendingRequestIDs, requestID)
	return true
}

// drainPending empties and returns the pending-request-id set, used on
// disconnect to emit one client-disconnected event per id (spec.md §4.5).
func (c *Client) drainPending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pendingRequestIDs))
	for id := range c.pendingRequestIDs {
		ids = append(ids, id)
	}
	c.pendingRequestIDs = make(map[string]struct{})
	return ids
}

// send writes v to the client's channel if currently writable, otherwise
// enqueues it on the bounded outbound queue, evicting the oldest entry on
// overflow (spec.md §4.5 "Backpressure", §8 property 9). Messages already
// queued are sent first, in order, so v never overtakes them.
func (c *Client) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.outbound.Len() > 0 {
		front := c.outbound.Front()
		if err := c.channel.Send(front.Value); err != nil {
			break
		}
		c.outbound.Remove(front)
	}

	if c.outbound.Len() == 0 {
		if err := c.channel.Send(v); err == nil {
			return
		}
	}

	c.outbound.PushBack(v)
	for c.outbound.Len() > c.maxQueued {
		c.outbound.Remove(c.outbound.Front())
	}
}

// flush attempts to drain the outbound queue over the channel, stopping at
// the first send failure so ordering is preserved for the next attempt.
func (c *Client) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.outbound.Len() > 0 {
		front := c.outbound.Front()
		if err := c.channel.Send(front.Value); err != nil {
			return
		}
		c.outbound.Remove(front)
	}
}

// queueDepth reports the current outbound queue length (used by tests and
// the debug endpoint).
func (c *Client) queueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound.Len()
}

// Package permission implements the Permission Manager: the queue of
// pending tool-authorization requests, correlated against incoming client
// decisions, with timeouts, cancellation, a bounded queue, and lifecycle
// events (spec.md §4.3). It owns every Request ever created; no other
// package may mutate one directly.
package permission

import (
	"errors"
	"fmt"
	"time"
)

// Decision is the user's reply to a pending request (spec.md §3).
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	AllowForSession Decision = "allow-session"
	// AllowAlways is referenced by the wire protocol but has no persistence
	// backend yet; spec.md §9 directs implementations to treat it exactly
	// like AllowForSession until a persistence layer is designed.
	AllowAlways Decision = "allow-always"
)

// Behavior is the SDK-facing result discriminator (spec.md §3).
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Result is what the Agent Adapter hands back to the agent runtime.
// Invariant (spec.md §3, §8 property 7): an Allow result MUST carry a
// non-empty UpdatedInput.
type Result struct {
	Behavior     Behavior
	UpdatedInput map[string]any
	Message      string
	Interrupt    bool
}

// AbortedError is returned from AddRequest when the agent's own
// cancellation context fired before a human decision arrived, or when the
// owning session was dropped, or when the manager shut down mid-request.
// It is distinguished from a Deny result: the agent runtime should treat it
// as an aborted operation, not a refusal (spec.md §7).
type AbortedError struct {
	RequestID string
	Reason    string
	Cause     error
}

func (e *AbortedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permission request %s aborted: %s: %v", e.RequestID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("permission request %s aborted: %s", e.RequestID, e.Reason)
}

func (e *AbortedError) Unwrap() error { return e.Cause }

// IsAborted reports whether err is (or wraps) an *AbortedError.
func IsAborted(err error) bool {
	var a *AbortedError
	return errors.As(err, &a)
}

// Sentinel errors returned synchronously by manager operations.
var (
	// ErrQueueFull is returned by AddRequest when |pending| >= MAX_QUEUE_SIZE.
	// It is reported to the caller, never retried internally (spec.md §4.3).
	ErrQueueFull = errors.New("permission: request queue is full")
	// ErrShutdown is the cause carried by AbortedError when the manager is
	// shutting down.
	ErrShutdown = errors.New("permission: manager is shutting down")
	// ErrSessionDropped is the cause carried by AbortedError when
	// DropSession resolves a request whose owning agent query went away.
	ErrSessionDropped = errors.New("permission: owning session was dropped")
)

// RequestSummary is the read-only view of a pending request exposed to the
// Dispatcher (for outbound `permission-request` messages and sync
// responses) and to the debug endpoint. It never exposes the resolver.
type RequestSummary struct {
	ID        string
	ToolName  string
	Input     map[string]any
	Summary   string
	RiskLevel string
	Category  string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Counters tracks lifetime totals for the debug/metrics endpoint.
type Counters struct {
	Total     uint64
	Approved  uint64
	Denied    uint64
	TimedOut  uint64
	Aborted   uint64
}

// Package planapproval implements the Plan Approval Manager: a single-slot
// (not a queue) broker for whole-plan approvals, gating the Agent Adapter's
// effective permission mode rather than a single tool call (spec.md §4.4).
package planapproval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/toolbroker/internal/event"
	"github.com/opencode-ai/toolbroker/internal/mode"
)

// ErrPlanInFlight is returned by RequestApproval when a plan is already
// pending; the one-in-flight invariant is intentional (spec.md §4.4, §8
// property 6).
var ErrPlanInFlight = errors.New("planapproval: a plan is already pending")

// RejectedError is returned from RequestApproval when the plan is rejected,
// times out, or the manager is cancelled/shut down.
type RejectedError struct {
	PlanID string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("plan %s rejected: %s", e.PlanID, e.Reason)
}

// Outcome is returned from RequestApproval on approval.
type Outcome struct {
	PermissionMode mode.Mode
}

// IDGenerator produces unique plan identifiers.
type IDGenerator func() string

type pendingPlan struct {
	id        string
	sessionID string
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer
	doneCh    chan result
}

type result struct {
	outcome Outcome
	err     error
}

// Manager is the Plan Approval Manager described in spec.md §4.4.
type Manager struct {
	timeout time.Duration
	idGen   IDGenerator

	mu      sync.Mutex
	pending *pendingPlan

	approved uint64
	rejected uint64
	timedOut uint64
}

// New creates a Plan Approval Manager. timeout reuses the Permission
// Manager's configured timeout per spec.md §6 ("Plan timeout (reuses
// permission timeout)").
func New(timeout time.Duration, idGen IDGenerator) *Manager {
	return &Manager{timeout: timeout, idGen: idGen}
}

// RequestApproval blocks the caller until the plan is approved, rejected,
// times out, or the manager is cancelled/shut down.
func (m *Manager) RequestApproval(content, sessionID string) (Outcome, error) {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return Outcome{}, ErrPlanInFlight
	}

	now := time.Now()
	p := &pendingPlan{
		id:        m.idGen(),
		sessionID: sessionID,
		createdAt: now,
		expiresAt: now.Add(m.timeout),
		doneCh:    make(chan result, 1),
	}
	m.pending = p
	m.mu.Unlock()

	p.timer = time.AfterFunc(m.timeout, func() { m.finishTimeout(p.id) })

	event.Publish(event.Event{
		Type: event.PlanRequest,
		Data: event.PlanRequestData{
			PlanID:    p.id,
			Content:   content,
			SessionID: sessionID,
			CreatedAt: p.createdAt.UnixMilli(),
			ExpiresAt: p.expiresAt.UnixMilli(),
		},
	})

	r := <-p.doneCh
	return r.outcome, r.err
}

// Resolve applies a client's decision to the currently pending plan. It
// returns false if there is no pending plan or planID does not match it.
func (m *Manager) Resolve(planID string, approve bool, permissionMode mode.Mode, reason string) bool {
	p, ok := m.takeIfMatches(planID)
	if !ok {
		return false
	}
	p.timer.Stop()

	if approve {
		if permissionMode != mode.Default && permissionMode != mode.AcceptEdits {
			permissionMode = mode.Default
		}
		m.mu.Lock()
		m.approved++
		m.mu.Unlock()
		event.Publish(event.Event{
			Type: event.PlanResolved,
			Data: event.PlanResolvedData{PlanID: planID, SessionID: p.sessionID, Outcome: "approved"},
		})
		p.doneCh <- result{outcome: Outcome{PermissionMode: permissionMode}}
		return true
	}

	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
	if reason == "" {
		reason = "rejected by user"
	}
	event.Publish(event.Event{
		Type: event.PlanResolved,
		Data: event.PlanResolvedData{PlanID: planID, SessionID: p.sessionID, Outcome: "rejected"},
	})
	p.doneCh <- result{err: &RejectedError{PlanID: planID, Reason: reason}}
	return true
}

// Cancel rejects the pending plan, if any, with a "cancelled" reason
// (spec.md §4.4, used during shutdown).
func (m *Manager) Cancel() {
	m.mu.Lock()
	p := m.pending
	m.pending = nil
	m.mu.Unlock()
	if p == nil {
		return
	}
	p.timer.Stop()
	p.doneCh <- result{err: &RejectedError{PlanID: p.id, Reason: "cancelled"}}
}

// Pending reports the currently pending plan id, if any.
func (m *Manager) Pending() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return "", false
	}
	return m.pending.id, true
}

// Counters returns lifetime totals for the debug/metrics endpoint.
func (m *Manager) Counters() (approved, rejected, timedOut uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approved, m.rejected, m.timedOut
}

func (m *Manager) finishTimeout(planID string) {
	p, ok := m.takeIfMatches(planID)
	if !ok {
		return
	}
	m.mu.Lock()
	m.timedOut++
	m.mu.Unlock()

	event.Publish(event.Event{
		Type: event.PlanTimeout,
		Data: event.PlanTimeoutData{PlanID: planID, Timestamp: time.Now().UnixMilli()},
	})
	p.doneCh <- result{err: &RejectedError{PlanID: planID, Reason: "timed out"}}
}

// takeIfMatches atomically clears m.pending if its id equals planID,
// returning the cleared plan. Only the caller that performs the clear wins
// the race (mirrors the Permission Manager's single-resolution rule).
func (m *Manager) takeIfMatches(planID string) (*pendingPlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil || m.pending.id != planID {
		return nil, false
	}
	p := m.pending
	m.pending = nil
	return p, true
}

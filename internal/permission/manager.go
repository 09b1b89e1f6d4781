package permission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/toolbroker/internal/event"
	"github.com/opencode-ai/toolbroker/internal/permcache"
	"github.com/opencode-ai/toolbroker/internal/risk"
)

// Config tunes the Permission Manager's timers and bounds (spec.md §4.3/§6).
type Config struct {
	// MaxQueueSize bounds |pending| at all times. Default 100.
	MaxQueueSize int
	// Timeout is how long a request waits for a human decision before it is
	// force-denied. Default 30s.
	Timeout time.Duration
	// CleanupInterval is how often the defensive sweep runs. Default 60s.
	CleanupInterval time.Duration
}

// DefaultConfig returns the constants named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:    100,
		Timeout:         30 * time.Second,
		CleanupInterval: 60 * time.Second,
	}
}

// IDGenerator produces unique request identifiers.
type IDGenerator func() string

// Manager is the Permission Manager described in spec.md §4.3.
type Manager struct {
	cfg   Config
	idGen IDGenerator
	cache *permcache.Cache

	mu        sync.Mutex
	pending   map[string]*request
	bySession map[string]map[string]struct{}

	counters Counters

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Permission Manager and starts its periodic cleanup
// sweep. Call Shutdown to stop the sweep and force-resolve any requests
// still pending.
func NewManager(cfg Config, cache *permcache.Cache, idGen IDGenerator) *Manager {
	m := &Manager{
		cfg:       cfg,
		idGen:     idGen,
		cache:     cache,
		pending:   make(map[string]*request),
		bySession: make(map[string]map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.cleanupLoop()
	return m
}

// Len reports the current queue depth (spec.md §8 property 5).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Counters returns a snapshot of lifetime totals.
func (m *Manager) Counters() Counters {
	return Counters{
		Total:    atomic.LoadUint64(&m.counters.Total),
		Approved: atomic.LoadUint64(&m.counters.Approved),
		Denied:   atomic.LoadUint64(&m.counters.Denied),
		TimedOut: atomic.LoadUint64(&m.counters.TimedOut),
		Aborted:  atomic.LoadUint64(&m.counters.Aborted),
	}
}

// AddRequest registers a new pending tool-authorization request and blocks
// the caller until it reaches a terminal state: a human decision, a
// timeout, cancellation via ctx, DropSession, or Shutdown (spec.md §4.3,
// §5 "suspension points").
//
// If sessionID matches a live Session Permission Cache entry for
// (toolName, input), AddRequest returns synchronously with an allow result
// and never queues or emits an event (spec.md §4.3, round-trip law in §8).
func (m *Manager) AddRequest(ctx context.Context, toolName string, input map[string]any, sessionID string) (Result, error) {
	m.mu.Lock()
	full := len(m.pending) >= m.cfg.MaxQueueSize
	m.mu.Unlock()
	if full {
		return Result{}, ErrQueueFull
	}

	if sessionID != "" {
		if entry, ok := m.cache.Lookup(sessionID, toolName, input); ok {
			atomic.AddUint64(&m.counters.Total, 1)
			atomic.AddUint64(&m.counters.Approved, 1)
			return Result{Behavior: BehaviorAllow, UpdatedInput: entry.UpdatedInput}, nil
		}
	}

	cls := risk.Classify(toolName, input)
	now := time.Now()
	id := m.idGen()
	req := &request{
		id:        id,
		toolName:  toolName,
		input:     input,
		sessionID: sessionID,
		createdAt: now,
		expiresAt: now.Add(m.cfg.Timeout),
		riskLevel: string(cls.Level),
		category:  cls.Category,
		summary:   cls.Summary,
		doneCh:    make(chan outcome, 1),
	}

	m.mu.Lock()
	if len(m.pending) >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		return Result{}, ErrQueueFull
	}
	m.pending[id] = req
	if sessionID != "" {
		if m.bySession[sessionID] == nil {
			m.bySession[sessionID] = make(map[string]struct{})
		}
		m.bySession[sessionID][id] = struct{}{}
	}
	m.mu.Unlock()

	atomic.AddUint64(&m.counters.Total, 1)

	req.timer = time.AfterFunc(m.cfg.Timeout, func() { m.finishTimeout(id) })

	if ctx != nil {
		stop := context.AfterFunc(ctx, func() { m.finishCancel(id, ctx.Err()) })
		defer stop()
	}

	event.Publish(event.Event{
		Type: event.PermissionRequest,
		Data: event.PermissionRequestData{
			ID:        req.id,
			ToolName:  req.toolName,
			Input:     req.input,
			Summary:   req.summary,
			RiskLevel: req.riskLevel,
			Category:  req.category,
			SessionID: req.sessionID,
			CreatedAt: req.createdAt.UnixMilli(),
			ExpiresAt: req.expiresAt.UnixMilli(),
		},
	})

	out := <-req.doneCh
	return out.result, out.err
}

// Resolve applies a client's decision to a pending request. It returns
// false if the id is unknown or already resolved (idempotent, per spec.md
// §4.3 "Idempotent for repeated invocations").
func (m *Manager) Resolve(requestID string, decision Decision, updatedInput map[string]any) bool {
	req, ok := m.remove(requestID)
	if !ok {
		return false
	}
	req.timer.Stop()

	if (decision == AllowForSession || decision == AllowAlways) && req.sessionID != "" {
		ui := updatedInput
		if ui == nil {
			ui = req.input
		}
		m.cache.Store(req.sessionID, req.toolName, req.input, ui)
	}

	res := req.resultFor(decision, updatedInput)
	if res.Behavior == BehaviorAllow {
		atomic.AddUint64(&m.counters.Approved, 1)
	} else {
		atomic.AddUint64(&m.counters.Denied, 1)
	}

	event.Publish(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{RequestID: requestID, SessionID: req.sessionID, Outcome: string(res.Behavior)},
	})

	req.doneCh <- outcome{result: res}
	return true
}

// RequestsForSession returns the currently pending requests owned by a
// session, used by the Dispatcher's sync protocol after a client reconnect
// (spec.md §4.3, §6 permission-sync-response).
func (m *Manager) RequestsForSession(sessionID string) []RequestSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.bySession[sessionID]
	out := make([]RequestSummary, 0, len(ids))
	for id := range ids {
		if req, ok := m.pending[id]; ok {
			out = append(out, req.toSummary())
		}
	}
	return out
}

// Lookup returns the session owning a pending request, if any, for the
// Dispatcher's anti-hijack check (spec.md §4.5 step 3).
func (m *Manager) Lookup(requestID string) (RequestSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[requestID]
	if !ok {
		return RequestSummary{}, false
	}
	return req.toSummary(), true
}

// DropSession removes every pending request owned by a session and resolves
// their waiting callers with an AbortedError (the owning agent query went
// away; the caller must still observe a terminal, non-allow result — spec.md
// §8 boundary behavior). The session's cache bucket is dropped too.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.finishAborted(id, ErrSessionDropped, "session dropped")
	}
	m.cache.DropSession(sessionID)
}

// Shutdown stops the cleanup sweep and force-resolves every request still
// pending with an AbortedError (spec.md §5 "Shutdown").
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.finishAborted(id, ErrShutdown, "manager shutdown")
	}
}

func (m *Manager) finishTimeout(id string) {
	req, ok := m.remove(id)
	if !ok {
		return
	}
	atomic.AddUint64(&m.counters.TimedOut, 1)
	event.Publish(event.Event{
		Type: event.PermissionTimeout,
		Data: event.PermissionTimeoutData{RequestID: id, ToolName: req.toolName, Timestamp: time.Now().UnixMilli()},
	})
	req.doneCh <- outcome{result: Result{Behavior: BehaviorDeny, Message: "Request timed out", Interrupt: false}}
}

func (m *Manager) finishCancel(id string, cause error) {
	req, ok := m.remove(id)
	if !ok {
		return
	}
	req.timer.Stop()
	atomic.AddUint64(&m.counters.Aborted, 1)
	event.Publish(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{RequestID: id, SessionID: req.sessionID, Outcome: "cancel"},
	})
	req.doneCh <- outcome{err: &AbortedError{RequestID: id, Reason: "agent cancelled", Cause: cause}}
}

func (m *Manager) finishAborted(id string, cause error, reason string) {
	req, ok := m.remove(id)
	if !ok {
		return
	}
	req.timer.Stop()
	atomic.AddUint64(&m.counters.Aborted, 1)
	event.Publish(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{RequestID: id, SessionID: req.sessionID, Outcome: reason},
	})
	req.doneCh <- outcome{err: &AbortedError{RequestID: id, Reason: reason, Cause: cause}}
}

// remove atomically deletes a pending request and returns it; only the
// caller that actually performs the deletion "wins" the race to resolve it
// (spec.md §5 "Ordering guarantees").
func (m *Manager) remove(id string) (*request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	if req.sessionID != "" {
		if set, ok := m.bySession[req.sessionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.bySession, req.sessionID)
			}
		}
	}
	return req, true
}

// cleanupLoop is the defensive sweep from spec.md §4.3: any pending entry
// older than 2x the configured timeout is force-timed-out. It should never
// fire in normal operation since each request already arms its own timer.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	deadline := time.Now().Add(-2 * m.cfg.Timeout)
	m.mu.Lock()
	var stale []string
	for id, req := range m.pending {
		if req.createdAt.Before(deadline) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.finishTimeout(id)
	}
}

// Package dispatcher implements the session-aware real-time Dispatcher
// (spec.md §4.5): it owns every Client connection, fans agent-initiated
// events out to the session-owning clients, validates inbound client
// decisions before forwarding them to the managers, and runs the heartbeat
// and per-client backpressure handling. The Dispatcher never touches a
// Permission Manager's or Plan Approval Manager's internal state directly;
// it only calls their exported methods.
package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/toolbroker/internal/event"
	"github.com/opencode-ai/toolbroker/internal/logging"
	"github.com/opencode-ai/toolbroker/internal/mode"
	"github.com/opencode-ai/toolbroker/internal/permission"
	"github.com/opencode-ai/toolbroker/internal/planapproval"
)

// DefaultHeartbeatInterval is how often the Dispatcher pings clients and
// reaps unresponsive ones (spec.md §4.5, §6) when the caller has no
// configured override.
const DefaultHeartbeatInterval = 30 * time.Second

// PermissionResolver is the subset of *permission.Manager the Dispatcher
// depends on; narrowed to an interface for testability.
type PermissionResolver interface {
	Lookup(requestID string) (permission.RequestSummary, bool)
	Resolve(requestID string, decision permission.Decision, updatedInput map[string]any) bool
	RequestsForSession(sessionID string) []permission.RequestSummary
	Len() int
}

// PlanResolver is the subset of *planapproval.Manager the Dispatcher depends
// on.
type PlanResolver interface {
	Resolve(planID string, approve bool, permissionMode mode.Mode, reason string) bool
}

// Dispatcher is the component described in spec.md §4.5.
type Dispatcher struct {
	perm  PermissionResolver
	plans PlanResolver

	heartbeatInterval  time.Duration
	maxQueuedPerClient int

	mu      sync.RWMutex
	clients map[string]*Client

	sequenceNumber uint64

	unsubscribers []func()

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
	heartbeatWG   sync.WaitGroup
}

// New creates a Dispatcher bound to the given managers and subscribes it to
// the event bus. Call Shutdown to stop the heartbeat and unsubscribe.
// heartbeatInterval and maxQueuedPerClient are spec.md §6's tunable
// "Heartbeat interval" and "outbound queue max length"; pass
// DefaultHeartbeatInterval/DefaultMaxQueuedPerClient for the stock behavior.
func New(perm PermissionResolver, plans PlanResolver, heartbeatInterval time.Duration, maxQueuedPerClient int) *Dispatcher {
	d := &Dispatcher{
		perm:               perm,
		plans:              plans,
		heartbeatInterval:  heartbeatInterval,
		maxQueuedPerClient: maxQueuedPerClient,
		clients:            make(map[string]*Client),
		heartbeatStop:      make(chan struct{}),
	}
	d.unsubscribers = []func(){
		event.Subscribe(event.PermissionRequest, d.onPermissionRequest),
		event.Subscribe(event.PermissionTimeout, d.onPermissionTimeout),
		event.Subscribe(event.PermissionResolved, d.onPermissionResolved),
		event.Subscribe(event.PlanRequest, d.onPlanRequest),
		event.Subscribe(event.PlanTimeout, d.onPlanTimeout),
	}
	d.heartbeatWG.Add(1)
	go d.heartbeatLoop()
	return d
}

// Connect registers a new client connection (spec.md §4.5 "Connection
// lifecycle"). sessionID may be empty if the client has not yet identified
// a session.
func (d *Dispatcher) Connect(clientID, sessionID string, channel Channel) *Client {
	c := newClient(clientID, sessionID, channel, d.maxQueuedPerClient)

	d.mu.Lock()
	d.clients[clientID] = c
	d.mu.Unlock()

	event.Publish(event.Event{
		Type: event.ClientConnected,
		Data: event.ClientConnectedData{ClientID: clientID, SessionID: sessionID},
	})

	c.flush()
	d.broadcastQueueStatus()
	return c
}

// Disconnect removes a client and emits one client-disconnected event per
// request it had outstanding (informational only — spec.md §4.5, §5
// "Client-side close during a pending request").
func (d *Dispatcher) Disconnect(clientID string) {
	d.mu.Lock()
	c, ok := d.clients[clientID]
	if ok {
		delete(d.clients, clientID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	for _, requestID := range c.drainPending() {
		event.Publish(event.Event{
			Type: event.ClientDisconnected,
			Data: event.ClientDisconnectedData{ClientID: clientID, RequestID: requestID},
		})
	}
	_ = c.channel.Close()
}

// Dispatch decodes and routes one inbound message from a client (spec.md
// §4.5 "Inbound handling"). Malformed or unauthorized messages are answered
// with a permission-error on the same client and otherwise discarded — they
// never reach a manager or panic the Dispatcher.
func (d *Dispatcher) Dispatch(clientID string, raw map[string]any) {
	d.mu.RLock()
	c, ok := d.clients[clientID]
	d.mu.RUnlock()
	if !ok {
		return
	}

	typ, _ := raw["type"].(string)
	switch typ {
	case typePermissionResponse:
		d.handlePermissionResponse(c, raw)
	case typePermissionSyncRequest:
		d.handlePermissionSyncRequest(c, raw)
	case typePlanApprovalResponse:
		d.handlePlanApprovalResponse(c, raw)
	default:
		c.send(permissionErrorOut{
			Type:      typePermissionError,
			Error:     "Unknown message type",
			Timestamp: nowMillis(),
		})
	}
}

func (d *Dispatcher) handlePermissionResponse(c *Client, raw map[string]any) {
	requestID, _ := raw["requestId"].(string)
	decisionStr, _ := raw["decision"].(string)
	if requestID == "" || !validDecision(decisionStr) {
		c.send(permissionErrorOut{Type: typePermissionError, RequestID: requestID, Error: "Invalid permission-response", Timestamp: nowMillis()})
		return
	}

	if !c.hasPending(requestID) {
		c.send(permissionErrorOut{Type: typePermissionError, RequestID: requestID, Error: "Request not found in your pending queue", Timestamp: nowMillis()})
		return
	}

	if summary, ok := d.perm.Lookup(requestID); ok {
		if summary.SessionID != "" && c.SessionID != "" && summary.SessionID != c.SessionID {
			c.send(permissionErrorOut{Type: typePermissionError, RequestID: requestID, Error: "Unauthorized: session mismatch", Timestamp: nowMillis()})
			logging.Warn().Str("clientId", c.ID).Str("requestId", requestID).Msg("dispatcher: session mismatch on permission-response")
			return
		}
	}

	c.removePending(requestID)

	var updatedInput map[string]any
	if ui, ok := raw["updatedInput"].(map[string]any); ok {
		updatedInput = ui
	}

	d.perm.Resolve(requestID, permission.Decision(decisionStr), updatedInput)
	d.broadcastQueueStatus()
}

func validDecision(s string) bool {
	switch permission.Decision(s) {
	case permission.Allow, permission.Deny, permission.AllowForSession, permission.AllowAlways:
		return true
	}
	return false
}

func (d *Dispatcher) handlePermissionSyncRequest(c *Client, raw map[string]any) {
	sessionID, _ := raw["sessionId"].(string)
	if sessionID == "" {
		c.send(permissionErrorOut{Type: typePermissionError, Error: "Invalid permission-sync-request", Timestamp: nowMillis()})
		return
	}

	pending := d.perm.RequestsForSession(sessionID)
	summaries := make([]pendingRequestSummary, 0, len(pending))
	for _, r := range pending {
		summaries = append(summaries, pendingRequestSummary{
			ID: r.ID, ToolName: r.ToolName, Input: r.Input,
			Timestamp: r.CreatedAt.UnixMilli(), SessionID: r.SessionID,
		})
		c.addPending(r.ID)
	}

	c.send(permissionSyncResponseOut{
		Type:            typePermissionSyncResponse,
		SessionID:       sessionID,
		PendingRequests: summaries,
	})
}

func (d *Dispatcher) handlePlanApprovalResponse(c *Client, raw map[string]any) {
	planID, _ := raw["planId"].(string)
	decisionStr, _ := raw["decision"].(string)
	if planID == "" || (decisionStr != "approve" && decisionStr != "reject") {
		c.send(permissionErrorOut{Type: typePermissionError, RequestID: planID, Error: "Invalid plan-approval-response", Timestamp: nowMillis()})
		return
	}

	permissionMode := mode.Default
	if m, _ := raw["permissionMode"].(string); m != "" {
		permissionMode = mode.Mode(m)
	}
	reason, _ := raw["reason"].(string)

	d.plans.Resolve(planID, decisionStr == "approve", permissionMode, reason)
}

// onPermissionRequest fans out a new permission request to every client
// whose sessionId matches the request's (spec.md §9 open question: the
// stricter, session-scoped fan-out is the one implemented here).
func (d *Dispatcher) onPermissionRequest(e event.Event) {
	data, ok := e.Data.(event.PermissionRequestData)
	if !ok {
		return
	}

	targets := d.clientsForSession(data.SessionID)
	if len(targets) == 0 {
		event.Publish(event.Event{
			Type: event.NoClients,
			Data: event.NoClientsData{RequestID: data.ID, SessionID: data.SessionID},
		})
		return
	}

	msg := permissionRequestOut{
		Type: typePermissionRequest, ID: data.ID, ToolName: data.ToolName,
		Input: data.Input, Summary: data.Summary, RiskLevel: data.RiskLevel,
		Category: data.Category, Timestamp: data.CreatedAt, ExpiresAt: data.ExpiresAt,
		SessionID: data.SessionID, SequenceNumber: d.nextSequence(),
	}
	for _, c := range targets {
		c.addPending(data.ID)
		c.send(msg)
	}
	d.broadcastQueueStatus()
}

func (d *Dispatcher) onPermissionTimeout(e event.Event) {
	data, ok := e.Data.(event.PermissionTimeoutData)
	if !ok {
		return
	}
	msg := permissionTimeoutOut{Type: typePermissionTimeout, RequestID: data.RequestID, ToolName: data.ToolName, Timestamp: data.Timestamp}

	d.mu.RLock()
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.RUnlock()

	for _, c := range clients {
		c.removePending(data.RequestID)
		c.send(msg)
	}
	d.broadcastQueueStatus()
}

// onPermissionResolved withdraws a request from every client's pending set
// on any resolution the Dispatcher did not itself drive. handlePermissionResponse
// already removes the id and re-broadcasts queue status for the ordinary
// allow/deny path, so this only reacts to the cancellation/abort lifecycle
// (agent-side cancel, DropSession, Shutdown) and emits permission-cancelled
// (spec.md §6) to whichever clients had actually been told about the request.
func (d *Dispatcher) onPermissionResolved(e event.Event) {
	data, ok := e.Data.(event.PermissionResolvedData)
	if !ok {
		return
	}
	switch data.Outcome {
	case string(permission.BehaviorAllow), string(permission.BehaviorDeny):
		return
	}

	msg := permissionCancelledOut{Type: typePermissionCancelled, RequestID: data.RequestID, Reason: data.Outcome, Timestamp: nowMillis()}

	d.mu.RLock()
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.RUnlock()

	notified := false
	for _, c := range clients {
		if c.removePending(data.RequestID) {
			c.send(msg)
			notified = true
		}
	}
	if notified {
		d.broadcastQueueStatus()
	}
}

func (d *Dispatcher) onPlanRequest(e event.Event) {
	data, ok := e.Data.(event.PlanRequestData)
	if !ok {
		return
	}
	msg := planApprovalRequestOut{
		Type: typePlanApprovalRequest, PlanID: data.PlanID, Content: data.Content,
		SessionID: data.SessionID, Timestamp: data.CreatedAt, ExpiresAt: data.ExpiresAt,
		SequenceNumber: d.nextSequence(),
	}
	for _, c := range d.clientsForSession(data.SessionID) {
		c.send(msg)
	}
}

func (d *Dispatcher) onPlanTimeout(e event.Event) {
	data, ok := e.Data.(event.PlanTimeoutData)
	if !ok {
		return
	}
	msg := planApprovalTimeoutOut{Type: typePlanApprovalTimeout, PlanID: data.PlanID, Timestamp: data.Timestamp}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.clients {
		c.send(msg)
	}
}

// clientsForSession returns every connected client bound to sessionID.
// Spec.md's documented historical behavior broadcasts to all clients; per
// the spec's own resolved open question, this implementation fans out only
// to the owning session, which is consistent with every invariant listed.
// An empty sessionID targets no one — such requests are reachable only via
// sync-request or the debug endpoint.
func (d *Dispatcher) clientsForSession(sessionID string) []*Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Client
	for _, c := range d.clients {
		if c.SessionID == sessionID && sessionID != "" {
			out = append(out, c)
		}
	}
	return out
}

// broadcastQueueStatus sends the current queue depth to every client
// (spec.md §4.5 "Re-broadcast updated queue status").
func (d *Dispatcher) broadcastQueueStatus() {
	msg := permissionQueueStatusOut{
		Type: typePermissionQueueStatus, Pending: d.perm.Len(), Processing: 0, Timestamp: nowMillis(),
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.clients {
		c.send(msg)
	}
}

func (d *Dispatcher) nextSequence() uint64 {
	return atomic.AddUint64(&d.sequenceNumber, 1)
}

// Pong marks a client alive again; the binding calls it when the client
// answers a transport ping (spec.md §4.5 "Heartbeat"). Each heartbeat tick
// clears the alive flag and then pings, so a client with no Pong since the
// previous tick is disconnected.
func (d *Dispatcher) Pong(clientID string) {
	d.mu.RLock()
	c, ok := d.clients[clientID]
	d.mu.RUnlock()
	if ok {
		c.markAlive()
	}
}

// HeartbeatInterval reports this Dispatcher's configured heartbeat interval
// (used by internal/wsserver to size its own pong-wait read deadline).
func (d *Dispatcher) HeartbeatInterval() time.Duration {
	return d.heartbeatInterval
}

func (d *Dispatcher) heartbeatLoop() {
	defer d.heartbeatWG.Done()
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.heartbeatStop:
			return
		case <-ticker.C:
			d.heartbeatTick()
		}
	}
}

func (d *Dispatcher) heartbeatTick() {
	d.mu.RLock()
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.RUnlock()

	for _, c := range clients {
		if !c.clearAlive() {
			d.Disconnect(c.ID)
			continue
		}
		if err := c.channel.Ping(); err != nil {
			d.Disconnect(c.ID)
		}
	}
}

// ClientCount reports how many clients are currently connected (debug
// endpoint / tests).
func (d *Dispatcher) ClientCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}

// Shutdown stops the heartbeat loop, unsubscribes from the event bus, and
// closes every connected client with a normal-close indication (spec.md §5
// "Shutdown").
func (d *Dispatcher) Shutdown() {
	d.heartbeatOnce.Do(func() { close(d.heartbeatStop) })
	d.heartbeatWG.Wait()

	for _, unsub := range d.unsubscribers {
		unsub()
	}

	d.mu.Lock()
	clients := d.clients
	d.clients = make(map[string]*Client)
	d.mu.Unlock()

	for _, c := range clients {
		_ = c.channel.Close()
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

package event

// EventType identifies the kind of event flowing through the bus.
const (
	// PermissionRequest fires when the Permission Manager queues a new
	// tool-authorization request (permission.request, §4.3/§6).
	PermissionRequest EventType = "permission.request"
	// PermissionTimeout fires when a pending request is force-resolved by
	// its timer (§4.3).
	PermissionTimeout EventType = "permission.timeout"
	// PermissionResolved fires when a request ends by user decision, agent
	// cancel, DropSession, or Shutdown. A timeout publishes only
	// PermissionTimeout.
	PermissionResolved EventType = "permission.resolved"
	// PlanRequest fires when the Plan Approval Manager accepts a new plan
	// (§4.4).
	PlanRequest EventType = "plan.request"
	// PlanTimeout fires when a pending plan is force-resolved by its timer.
	PlanTimeout EventType = "plan.timeout"
	// PlanResolved fires when a client approves or rejects a plan. A timeout
	// publishes only PlanTimeout; Cancel publishes no event.
	PlanResolved EventType = "plan.resolved"
	// ClientConnected fires when the Dispatcher registers a new client.
	ClientConnected EventType = "client.connected"
	// ClientDisconnected fires once per pending request id a disconnecting
	// client had been told about (§3 Client lifecycle).
	ClientDisconnected EventType = "client.disconnected"
	// NoClients fires when a permission-request has no connected client
	// able to receive it (§4.5).
	NoClients EventType = "no-clients"
)

// PermissionRequestData mirrors the wire `permission-request` message
// (spec.md §6) minus the sequence number, which the dispatcher stamps on
// the way out.
type PermissionRequestData struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
	Summary   string         `json:"summary"`
	RiskLevel string         `json:"riskLevel"`
	Category  string         `json:"category"`
	SessionID string         `json:"sessionId,omitempty"`
	CreatedAt int64          `json:"timestamp"`
	ExpiresAt int64          `json:"expiresAt"`
}

// PermissionTimeoutData mirrors the wire `permission-timeout` message.
type PermissionTimeoutData struct {
	RequestID string `json:"requestId"`
	ToolName  string `json:"toolName"`
	Timestamp int64  `json:"timestamp"`
}

// PermissionResolvedData is an internal lifecycle event (not itself part of
// the wire protocol; the dispatcher derives `permission-queue-status` from
// it) recording how a request ended.
type PermissionResolvedData struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Outcome   string `json:"outcome"` // allow | deny | cancel | session dropped | manager shutdown
}

// PlanRequestData mirrors the wire `plan-approval-request` message minus the
// sequence number.
type PlanRequestData struct {
	PlanID    string `json:"planId"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"timestamp"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PlanTimeoutData mirrors the wire `plan-approval-timeout` message.
type PlanTimeoutData struct {
	PlanID    string `json:"planId"`
	Timestamp int64  `json:"timestamp"`
}

// PlanResolvedData is an internal lifecycle event for plan outcomes.
type PlanResolvedData struct {
	PlanID    string `json:"planId"`
	SessionID string `json:"sessionId"`
	Outcome   string `json:"outcome"` // approved | rejected
}

// ClientConnectedData records a newly registered client.
type ClientConnectedData struct {
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId,omitempty"`
}

// ClientDisconnectedData mirrors the informational `client-disconnected`
// signal described in spec.md §4.5 — it never resolves the request.
type ClientDisconnectedData struct {
	ClientID  string `json:"clientId"`
	RequestID string `json:"requestId"`
}

// NoClientsData records that a request was broadcast-eligible but no client
// was connected to receive it.
type NoClientsData struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
}

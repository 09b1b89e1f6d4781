package dispatcher

// This file defines the wire protocol (spec.md §6): plain JSON objects
// exchanged over a bidirectional, transport-agnostic Channel. Field names
// match the wire schema exactly. Inbound messages arrive as a raw
// map[string]any (Dispatch branches on raw["type"] before validating the
// rest field-by-field) since each handler only ever needs a couple of
// fields out of an otherwise-untrusted payload; the typed structs below are
// for the outbound (server -> client) side only, where every field is ours
// to construct.

// Outbound message types (server -> client).

type permissionRequestOut struct {
	Type           string         `json:"type"`
	ID             string         `json:"id"`
	ToolName       string         `json:"toolName"`
	Input          map[string]any `json:"input"`
	Summary        string         `json:"summary"`
	RiskLevel      string         `json:"riskLevel"`
	Category       string         `json:"category"`
	Timestamp      int64          `json:"timestamp"`
	ExpiresAt      int64          `json:"expiresAt"`
	SessionID      string         `json:"sessionId,omitempty"`
	SequenceNumber uint64         `json:"sequenceNumber"`
}

type permissionTimeoutOut struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ToolName  string `json:"toolName"`
	Timestamp int64  `json:"timestamp"`
}

type permissionQueueStatusOut struct {
	Type       string `json:"type"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Timestamp  int64  `json:"timestamp"`
}

type permissionCancelledOut struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

type permissionErrorOut struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

type pendingRequestSummary struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
	Timestamp int64          `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
}

type permissionSyncResponseOut struct {
	Type            string                  `json:"type"`
	SessionID       string                  `json:"sessionId"`
	PendingRequests []pendingRequestSummary `json:"pendingRequests"`
}

type planApprovalRequestOut struct {
	Type           string `json:"type"`
	PlanID         string `json:"planId"`
	Content        string `json:"content"`
	SessionID      string `json:"sessionId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	ExpiresAt      int64  `json:"expiresAt"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

type planApprovalTimeoutOut struct {
	Type      string `json:"type"`
	PlanID    string `json:"planId"`
	Timestamp int64  `json:"timestamp"`
}

const (
	typePermissionRequest      = "permission-request"
	typePermissionTimeout      = "permission-timeout"
	typePermissionQueueStatus  = "permission-queue-status"
	typePermissionCancelled    = "permission-cancelled"
	typePermissionError        = "permission-error"
	typePermissionResponse     = "permission-response"
	typePermissionSyncRequest  = "permission-sync-request"
	typePermissionSyncResponse = "permission-sync-response"
	typePlanApprovalRequest    = "plan-approval-request"
	typePlanApprovalResponse   = "plan-approval-response"
	typePlanApprovalTimeout    = "plan-approval-timeout"
)

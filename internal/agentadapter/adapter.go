// Package agentadapter implements the thin facade the agent runtime calls
// through to reach the Permission Manager and Plan Approval Manager
// (spec.md §4.6). Each Adapter is scoped to a single agent query: its
// effective permission mode has one owner (this Adapter) and may be read by
// any number of concurrent DecideTool calls from that same query.
package agentadapter

import (
	"context"
	"sync"

	"github.com/opencode-ai/toolbroker/internal/mode"
	"github.com/opencode-ai/toolbroker/internal/permission"
	"github.com/opencode-ai/toolbroker/internal/planapproval"
)

// acceptEditsAllowlist is the set of tools AcceptEdits mode short-circuits
// without prompting (spec.md §4.6 step 2).
var acceptEditsAllowlist = map[string]bool{
	"Read": true, "Write": true, "Edit": true,
}

// planModeAllowlist is the set of tools still permitted while in Plan mode
// (spec.md §4.6 step 3); everything else is denied without a prompt.
var planModeAllowlist = map[string]bool{
	"Read": true, "Glob": true, "Grep": true, "Task": true,
	"ExitPlanMode": true, "TodoRead": true, "TodoWrite": true,
	"AskUserQuestion": true, "WebFetch": true, "WebSearch": true,
}

// Adapter is the Agent Adapter described in spec.md §4.6.
type Adapter struct {
	perm      *permission.Manager
	plans     *planapproval.Manager
	sessionID string

	mu          sync.RWMutex
	currentMode mode.Mode
}

// New creates an Adapter scoped to one agent query in the given session,
// starting in initialMode.
func New(perm *permission.Manager, plans *planapproval.Manager, sessionID string, initialMode mode.Mode) *Adapter {
	return &Adapter{perm: perm, plans: plans, sessionID: sessionID, currentMode: initialMode}
}

// Mode returns the adapter's current effective permission mode.
func (a *Adapter) Mode() mode.Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentMode
}

// SetPermissionMode sets the effective permission mode for this query. It
// is the only mutator; DecideTool only ever reads it (spec.md §5).
func (a *Adapter) SetPermissionMode(m mode.Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentMode = m
}

// DecideTool evaluates a proposed tool call per the policy in spec.md §4.6,
// short-circuiting on Bypass/AcceptEdits/Plan mode before ever touching the
// Permission Manager. ExitPlanMode calls are intercepted and routed to the
// Plan Approval Manager instead of being gated as an ordinary tool.
func (a *Adapter) DecideTool(ctx context.Context, toolName string, input map[string]any) (permission.Result, error) {
	if toolName == "ExitPlanMode" {
		return a.decideExitPlanMode(input)
	}

	switch a.Mode() {
	case mode.BypassPermissions:
		return permission.Result{Behavior: permission.BehaviorAllow, UpdatedInput: input}, nil
	case mode.AcceptEdits:
		if acceptEditsAllowlist[toolName] {
			return permission.Result{Behavior: permission.BehaviorAllow, UpdatedInput: input}, nil
		}
	case mode.Plan:
		if !planModeAllowlist[toolName] {
			return permission.Result{Behavior: permission.BehaviorDeny, Message: "not allowed in plan mode"}, nil
		}
	}

	return a.perm.AddRequest(ctx, toolName, input, a.sessionID)
}

// DecidePlan gates a whole execution plan instead of a single tool call. On
// approval, it mutates this adapter's effective mode for all subsequent
// DecideTool calls in the same query.
func (a *Adapter) DecidePlan(content string) (planapproval.Outcome, error) {
	out, err := a.plans.RequestApproval(content, a.sessionID)
	if err != nil {
		return planapproval.Outcome{}, err
	}
	a.SetPermissionMode(out.PermissionMode)
	return out, nil
}

// decideExitPlanMode implements spec.md §4.6's plan-mode state machine: the
// ExitPlanMode tool call itself is never gated by the Permission Manager —
// it is a signal that routes straight to the Plan Approval Manager.
func (a *Adapter) decideExitPlanMode(input map[string]any) (permission.Result, error) {
	plan, _ := input["plan"].(string)

	out, err := a.plans.RequestApproval(plan, a.sessionID)
	if err != nil {
		// Rejection/timeout/cancellation: the caller (agent runtime) must
		// abort the query. Plan mode itself remains active — there is no
		// Plan->Plan transition to perform, the mode simply never changed.
		return permission.Result{}, err
	}

	a.SetPermissionMode(out.PermissionMode)
	return permission.Result{Behavior: permission.BehaviorAllow, UpdatedInput: input}, nil
}

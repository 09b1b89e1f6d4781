package permission

import "time"

// outcome is what a winning resolver (Resolve, timeout, cancel, DropSession,
// or Shutdown) delivers to the caller blocked in AddRequest. Exactly one
// outcome is ever sent per request — see request.doneCh.
type outcome struct {
	result Result
	err    error
}

// request is the Permission Manager's internal record of a pending tool
// authorization. It is never exposed outside the package; RequestSummary is
// the public read-only projection.
type request struct {
	id        string
	toolName  string
	input     map[string]any
	sessionID string
	createdAt time.Time
	expiresAt time.Time

	riskLevel string
	category  string
	summary   string

	timer  *time.Timer
	doneCh chan outcome
}

func (r *request) toSummary() RequestSummary {
	return RequestSummary{
		ID:        r.id,
		ToolName:  r.toolName,
		Input:     r.input,
		Summary:   r.summary,
		RiskLevel: r.riskLevel,
		Category:  r.category,
		SessionID: r.sessionID,
		CreatedAt: r.createdAt,
		ExpiresAt: r.expiresAt,
	}
}

// resultFor translates a user Decision into the SDK-facing Result,
// defaulting UpdatedInput to the request's original input when the user did
// not edit it (spec.md §3 invariant: allow always carries non-empty input).
func (r *request) resultFor(decision Decision, updatedInput map[string]any) Result {
	switch decision {
	case Deny:
		return Result{Behavior: BehaviorDeny, Message: "Permission denied by user", Interrupt: false}
	default: // Allow, AllowForSession, AllowAlways
		ui := updatedInput
		if ui == nil {
			ui = r.input
		}
		return Result{Behavior: BehaviorAllow, UpdatedInput: ui}
	}
}

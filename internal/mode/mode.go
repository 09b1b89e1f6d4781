// Package mode defines the effective permission mode that drives the Agent
// Adapter's short-circuit rules for a single agent query (spec.md §3, §4.6).
package mode

// Mode is the runtime permission mode for one agent query.
type Mode string

const (
	Default           Mode = "default"
	AcceptEdits       Mode = "acceptEdits"
	Plan              Mode = "plan"
	BypassPermissions Mode = "bypassPermissions"
)

// Valid reports whether m is one of the four defined modes.
func (m Mode) Valid() bool {
	switch m {
	case Default, AcceptEdits, Plan, BypassPermissions:
		return true
	}
	return false
}

// Package risk provides a pure, static classification of tool calls into a
// risk level, category, and short human-readable summary. It has no state
// and no failure modes — see spec.md §4.1.
package risk

import (
	"fmt"
	"sort"
	"strings"
)

// Level is the coarse risk tier assigned to a tool call.
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

// Classification is the result of classifying a tool call.
type Classification struct {
	Level    Level
	Category string
	Summary  string
}

// summaryMaxLen bounds the human-readable summary (spec.md §4.1: "~100 characters").
const summaryMaxLen = 100

// toolInfo captures the static risk level and category for a known tool.
type toolInfo struct {
	level    Level
	category string
	// fields, in preference order, used to build the summary.
	summaryFields []string
}

// tools is the hard-coded table mapping tool name to risk classification.
// Unknown tool names fall through to defaultInfo (Medium), per spec.md §4.1.
var tools = map[string]toolInfo{
	"Read":     {Low, "filesystem-read", []string{"file_path"}},
	"Glob":     {Low, "filesystem-read", []string{"pattern"}},
	"Grep":     {Low, "filesystem-read", []string{"pattern", "path"}},
	"List":     {Low, "filesystem-read", []string{"path"}},
	"TodoRead": {Low, "bookkeeping", nil},

	"Write":      {Medium, "filesystem-write", []string{"file_path"}},
	"Edit":       {Medium, "filesystem-write", []string{"file_path"}},
	"TodoWrite":  {Medium, "bookkeeping", nil},
	"Task":       {Medium, "delegation", []string{"description"}},
	"WebSearch":  {Medium, "network", []string{"query"}},

	"Bash":          {High, "shell-execution", []string{"command"}},
	"WebFetch":      {High, "network", []string{"url"}},
	"KillProcess":   {High, "process-control", []string{"pid"}},
	"ExitPlanMode":  {Medium, "plan-review", nil},
}

var defaultInfo = toolInfo{Medium, "unknown", []string{"file_path", "command", "url"}}

// Classify returns the static risk classification for a tool call. It never
// fails: unknown tool names default to Medium/"unknown".
func Classify(toolName string, input map[string]any) Classification {
	info, ok := tools[toolName]
	if !ok {
		info = defaultInfo
	}
	return Classification{
		Level:    info.level,
		Category: info.category,
		Summary:  summarize(toolName, input, info.summaryFields),
	}
}

// summarize builds a short, human-readable phrase from the first populated
// summary field, truncated to summaryMaxLen runes.
func summarize(toolName string, input map[string]any, fields []string) string {
	for _, field := range fields {
		v, ok := input[field]
		if !ok {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if s == "" {
			continue
		}
		return fmt.Sprintf("%s: %s", toolName, truncate(s, summaryMaxLen-len(toolName)-2))
	}
	if len(input) == 0 {
		return toolName
	}
	return fmt.Sprintf("%s: %s", toolName, truncate(describeFallback(input), summaryMaxLen-len(toolName)-2))
}

// describeFallback produces a deterministic short description of an input
// map when none of the tool's preferred summary fields are present.
func describeFallback(input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

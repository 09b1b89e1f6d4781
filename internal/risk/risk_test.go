package risk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		input    map[string]any
		expected Level
	}{
		{"read is low", "Read", map[string]any{"file_path": "/etc/hosts"}, Low},
		{"glob is low", "Glob", map[string]any{"pattern": "**/*.go"}, Low},
		{"write is medium", "Write", map[string]any{"file_path": "/tmp/a"}, Medium},
		{"edit is medium", "Edit", map[string]any{"file_path": "/tmp/a"}, Medium},
		{"bash is high", "Bash", map[string]any{"command": "rm -rf /"}, High},
		{"webfetch is high", "WebFetch", map[string]any{"url": "https://example.com"}, High},
		{"unknown tool defaults medium", "SomeTotallyUnknownTool", map[string]any{}, Medium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.tool, tt.input)
			assert.Equal(t, tt.expected, c.Level)
		})
	}
}

func TestClassify_SummaryTruncated(t *testing.T) {
	longPath := strings.Repeat("a", 500)
	c := Classify("Read", map[string]any{"file_path": longPath})
	assert.LessOrEqual(t, len([]rune(c.Summary)), summaryMaxLen)
	assert.Contains(t, c.Summary, "Read:")
}

func TestClassify_UnknownToolHasCategory(t *testing.T) {
	c := Classify("FrobnicateWidget", map[string]any{"file_path": "/x"})
	assert.Equal(t, Medium, c.Level)
	assert.Equal(t, "unknown", c.Category)
	assert.NotEmpty(t, c.Summary)
}

func TestClassify_NoInputFieldsFallsBackToToolName(t *testing.T) {
	c := Classify("TodoRead", nil)
	assert.Equal(t, "TodoRead", c.Summary)
}

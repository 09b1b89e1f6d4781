package permcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_MissOnEmptyCache(t *testing.T) {
	c := New(DefaultMaxEntriesPerSession, DefaultTTL)
	_, ok := c.Lookup("s1", "Read", map[string]any{"file_path": "/a"})
	assert.False(t, ok)
}

func TestStoreThenLookup_Hit(t *testing.T) {
	c := New(DefaultMaxEntriesPerSession, DefaultTTL)
	input := map[string]any{"file_path": "/etc/hosts"}
	c.Store("s1", "Read", input, input)

	entry, ok := c.Lookup("s1", "Read", input)
	require.True(t, ok)
	assert.Equal(t, "/etc/hosts", entry.UpdatedInput["file_path"])
}

func TestSessionIsolation(t *testing.T) {
	c := New(DefaultMaxEntriesPerSession, DefaultTTL)
	input := map[string]any{"file_path": "/etc/hosts"}
	c.Store("s1", "Read", input, input)

	_, ok := c.Lookup("s2", "Read", input)
	assert.False(t, ok, "a decision stored under s1 must never be visible to s2")
}

func TestBashNeverCached(t *testing.T) {
	c := New(DefaultMaxEntriesPerSession, DefaultTTL)
	input := map[string]any{"command": "ls -la"}
	c.Store("s1", "Bash", input, input)

	_, ok := c.Lookup("s1", "Bash", input)
	assert.False(t, ok, "shell execution must never be cached")
	assert.Equal(t, 0, c.Size("s1"))
}

func TestTTLExpiry(t *testing.T) {
	c := New(DefaultMaxEntriesPerSession, DefaultTTL)
	now := time.Now()
	c.now = func() time.Time { return now }

	input := map[string]any{"file_path": "/a"}
	c.Store("s1", "Read", input, input)

	c.now = func() time.Time { return now.Add(DefaultTTL + time.Second) }
	_, ok := c.Lookup("s1", "Read", input)
	assert.False(t, ok, "entries older than TTL must never be returned")
}

func TestLRUBound(t *testing.T) {
	c := New(DefaultMaxEntriesPerSession, DefaultTTL)
	for i := 0; i < DefaultMaxEntriesPerSession+10; i++ {
		input := map[string]any{"file_path": "/path/" + string(rune('a'+i%26)) + string(rune(i))}
		c.Store("s1", "Write", input, input)
	}
	assert.LessOrEqual(t, c.Size("s1"), DefaultMaxEntriesPerSession)
}

func TestDropSession(t *testing.T) {
	c := New(DefaultMaxEntriesPerSession, DefaultTTL)
	input := map[string]any{"file_path": "/a"}
	c.Store("s1", "Read", input, input)
	c.DropSession("s1")

	_, ok := c.Lookup("s1", "Read", input)
	assert.False(t, ok)
}

// TestCacheKeyNonCollision exercises the NUL-separator invariant from
// spec.md §4.2/§8 property 8: a printable separator would let
// {file_path: "/a/b:c"} collide with a synthesized {file_path: "/a", ...}.
func TestCacheKeyNonCollision(t *testing.T) {
	k1, ok1 := CacheKey("Read", map[string]any{"file_path": "/a/b:c"})
	k2, ok2 := CacheKey("Read", map[string]any{"file_path": "/a"})
	require.True(t, ok1)
	require.True(t, ok2)
	assert.NotEqual(t, k1, k2)
	assert.Contains(t, k1, separator)
}

func TestCacheKey_DistinctInputsNeverCollide(t *testing.T) {
	a, _ := CacheKey("WebFetch", map[string]any{"url": "https://a.example"})
	b, _ := CacheKey("WebFetch", map[string]any{"url": "https://b.example"})
	assert.NotEqual(t, a, b)
}

func TestCacheKey_CanonicalJSONOrderIndependent(t *testing.T) {
	a, _ := CacheKey("Task", map[string]any{"x": 1, "y": 2})
	b, _ := CacheKey("Task", map[string]any{"y": 2, "x": 1})
	assert.Equal(t, a, b, "field order must not affect the canonical-JSON cache key")
}

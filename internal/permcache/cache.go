// Package permcache implements the Session Permission Cache: a per-session,
// TTL-bounded, size-bounded map of tool-input fingerprints to cached allow
// decisions, used to avoid re-prompting the human operator for repeated
// identical tool calls within a session (spec.md §3, §4.2).
package permcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DefaultMaxEntriesPerSession bounds each session's bucket (spec.md §3/§4.2)
// when the caller has no configured override.
const DefaultMaxEntriesPerSession = 1000

// DefaultTTL is how long a cached decision remains valid after it was
// stored, when the caller has no configured override.
const DefaultTTL = time.Hour

// separator is the field join byte for cache keys. It MUST be a byte that
// cannot occur in a legitimate tool name or path component — spec.md §4.2
// calls this out as load-bearing: any printable separator risks collisions
// like "Read"+":"+"/a/b" matching "Read"+":"+"/a"+":"+"b".
const separator = "\x00"

// Entry is a cached allow decision.
type Entry struct {
	UpdatedInput map[string]any
	StoredAt     time.Time
}

// bucketEntry pairs a cache entry with its position in the LRU list.
type bucketEntry struct {
	key     string
	entry   Entry
	element *list.Element
}

// sessionBucket is one session's bounded TTL+LRU map.
type sessionBucket struct {
	mu      sync.Mutex
	entries map[string]*bucketEntry
	order   *list.List // front = most recently inserted, back = eviction candidate
}

func newSessionBucket() *sessionBucket {
	return &sessionBucket{
		entries: make(map[string]*bucketEntry),
		order:   list.New(),
	}
}

// Cache is the Session Permission Cache. All operations are safe for
// concurrent use (spec.md §4.2 "Thread-safety: all operations atomic").
type Cache struct {
	maxEntriesPerSession int
	ttl                  time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionBucket
	now      func() time.Time // overridable for tests
}

// New creates an empty Session Permission Cache bounded by
// maxEntriesPerSession entries per session, with entries expiring after ttl
// (spec.md §6 "Configuration": cache max entries, cache TTL).
func New(maxEntriesPerSession int, ttl time.Duration) *Cache {
	return &Cache{
		maxEntriesPerSession: maxEntriesPerSession,
		ttl:                  ttl,
		sessions:             make(map[string]*sessionBucket),
		now:                  time.Now,
	}
}

// uncacheableTools is the whitelist inversion: shell execution is never
// cached (spec.md §4.2/§9 — "Implementations should refuse to cache shell
// execution outright").
var uncacheableTools = map[string]bool{
	"Bash": true,
}

// keyFields lists, per cacheable tool, the input fields the cache key is
// built from. Tools not listed here fall through to the canonical-JSON rule.
var keyFields = map[string][]string{
	"Read":     {"file_path"},
	"Write":    {"file_path"},
	"Edit":     {"file_path"},
	"WebFetch": {"url"},
}

// CacheKey builds the cache key for a (toolName, input) pair per spec.md
// §4.2. It is exported so callers (and tests) can verify non-collision
// directly.
func CacheKey(toolName string, input map[string]any) (key string, cacheable bool) {
	if uncacheableTools[toolName] {
		return "", false
	}
	if fields, ok := keyFields[toolName]; ok {
		parts := make([]string, 0, len(fields)+1)
		parts = append(parts, toolName)
		for _, f := range fields {
			parts = append(parts, stringify(input[f]))
		}
		return join(parts), true
	}
	canon, err := canonicalJSON(input)
	if err != nil {
		// Input isn't JSON-marshalable; treat as uncacheable rather than
		// risk a degenerate key that collides across distinct inputs.
		return "", false
	}
	return join([]string{toolName, canon}), true
}

func join(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += separator + p
	}
	return out
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// canonicalJSON produces a deterministic JSON rendering of an input map:
// keys sorted, no whitespace. Used as the cache-key fallback for tools
// without an explicit field whitelist.
func canonicalJSON(input map[string]any) (string, error) {
	if len(input) == 0 {
		return "{}", nil
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string
		V any
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string
			V any
		}{k, input[k]})
	}

	var buf []byte
	buf = append(buf, '{')
	for i, kv := range ordered {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(kv.K)
		if err != nil {
			return "", err
		}
		vb, err := json.Marshal(kv.V)
		if err != nil {
			return "", err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return string(buf), nil
}

// fingerprint hashes a long key to a fixed-width form for the internal map
// index; the NUL-joined key itself (not the hash) is what guarantees
// non-collision, the hash is purely to keep map keys small.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached decision for (sessionID, toolName, input), if
// any live (non-expired) entry exists. Expired entries are deleted lazily.
func (c *Cache) Lookup(sessionID, toolName string, input map[string]any) (Entry, bool) {
	key, cacheable := CacheKey(toolName, input)
	if !cacheable {
		return Entry{}, false
	}

	bucket := c.bucketFor(sessionID, false)
	if bucket == nil {
		return Entry{}, false
	}

	fp := fingerprint(key)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	be, ok := bucket.entries[fp]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(be.entry.StoredAt) > c.ttl {
		bucket.order.Remove(be.element)
		delete(bucket.entries, fp)
		return Entry{}, false
	}
	return be.entry, true
}

// Store records an allow decision for (sessionID, toolName, input). Shell
// execution is never stored (spec.md §4.2). When the session's bucket is at
// its configured entry bound, the least-recently-inserted entry is evicted.
func (c *Cache) Store(sessionID, toolName string, input map[string]any, updatedInput map[string]any) {
	key, cacheable := CacheKey(toolName, input)
	if !cacheable {
		return
	}

	bucket := c.bucketFor(sessionID, true)
	fp := fingerprint(key)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if existing, ok := bucket.entries[fp]; ok {
		bucket.order.Remove(existing.element)
		delete(bucket.entries, fp)
	}

	if len(bucket.entries) >= c.maxEntriesPerSession {
		oldest := bucket.order.Back()
		if oldest != nil {
			oldestKey := oldest.Value.(string)
			bucket.order.Remove(oldest)
			delete(bucket.entries, oldestKey)
		}
	}

	el := bucket.order.PushFront(fp)
	bucket.entries[fp] = &bucketEntry{
		key:     fp,
		element: el,
		entry: Entry{
			UpdatedInput: updatedInput,
			StoredAt:     c.now(),
		},
	}
}

// DropSession removes a session's entire bucket, e.g. when the owning
// session/agent query goes away (spec.md §4.3 DropSession).
func (c *Cache) DropSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Size reports the number of live entries cached for a session (for tests
// and the debug/metrics endpoint).
func (c *Cache) Size(sessionID string) int {
	bucket := c.bucketFor(sessionID, false)
	if bucket == nil {
		return 0
	}
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	return len(bucket.entries)
}

func (c *Cache) bucketFor(sessionID string, create bool) *sessionBucket {
	c.mu.RLock()
	bucket, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if ok || !create {
		return bucket
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok = c.sessions[sessionID]; ok {
		return bucket
	}
	bucket = newSessionBucket()
	c.sessions[sessionID] = bucket
	return bucket
}

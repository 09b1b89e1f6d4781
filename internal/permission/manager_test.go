package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/toolbroker/internal/permcache"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	counter := 0
	var mu sync.Mutex
	m := NewManager(cfg, permcache.New(permcache.DefaultMaxEntriesPerSession, permcache.DefaultTTL), func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return time.Now().Format("20060102150405.000000000")
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestAddRequest_SimpleApproval(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	var res Result
	var err error
	done := make(chan struct{})
	go func() {
		res, err = m.AddRequest(context.Background(), "Read", map[string]any{"file_path": "/etc/hosts"}, "S1")
		close(done)
	}()

	var id string
	require.Eventually(t, func() bool {
		for _, r := range m.RequestsForSession("S1") {
			id = r.ID
			return true
		}
		return false
	}, time.Second, time.Millisecond)

	ok := m.Resolve(id, Allow, nil)
	require.True(t, ok)

	<-done
	require.NoError(t, err)
	assert.Equal(t, BehaviorAllow, res.Behavior)
	assert.Equal(t, "/etc/hosts", res.UpdatedInput["file_path"])
}

func TestResolve_UnknownIDReturnsFalse(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	assert.False(t, m.Resolve("does-not-exist", Allow, nil))
}

func TestResolve_SingleResolution(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	done := make(chan Result, 1)
	go func() {
		res, _ := m.AddRequest(context.Background(), "Read", map[string]any{"file_path": "/a"}, "S1")
		done <- res
	}()

	var id string
	require.Eventually(t, func() bool {
		for _, r := range m.RequestsForSession("S1") {
			id = r.ID
			return true
		}
		return false
	}, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Resolve(id, Deny, nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one Resolve call may win")
	<-done
}

func TestAddRequest_QueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	cfg.Timeout = time.Minute
	m := newTestManager(t, cfg)

	for i := 0; i < 2; i++ {
		go m.AddRequest(context.Background(), "Read", map[string]any{"file_path": "/a"}, "S1")
	}
	require.Eventually(t, func() bool { return m.Len() == 2 }, time.Second, time.Millisecond)

	_, err := m.AddRequest(context.Background(), "Read", map[string]any{"file_path": "/b"}, "S1")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestAddRequest_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	m := newTestManager(t, cfg)

	res, err := m.AddRequest(context.Background(), "Read", map[string]any{"file_path": "/a"}, "S1")
	require.NoError(t, err)
	assert.Equal(t, BehaviorDeny, res.Behavior)
	assert.Equal(t, "Request timed out", res.Message)
	assert.Equal(t, 0, m.Len())
}

func TestAddRequest_CancelledByAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Minute
	m := newTestManager(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.AddRequest(ctx, "Read", map[string]any{"file_path": "/a"}, "S1")
		done <- err
	}()

	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, IsAborted(err))
}

func TestAddRequest_CacheHitShortCircuits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Minute
	m := newTestManager(t, cfg)

	input := map[string]any{"file_path": "/etc/hosts"}
	done := make(chan struct{})
	go func() {
		m.AddRequest(context.Background(), "Read", input, "S1")
		close(done)
	}()

	var id string
	require.Eventually(t, func() bool {
		for _, r := range m.RequestsForSession("S1") {
			id = r.ID
			return true
		}
		return false
	}, time.Second, time.Millisecond)
	require.True(t, m.Resolve(id, AllowForSession, nil))
	<-done

	before := m.Len()
	res, err := m.AddRequest(context.Background(), "Read", input, "S1")
	require.NoError(t, err)
	assert.Equal(t, BehaviorAllow, res.Behavior)
	assert.Equal(t, before, m.Len(), "a cache hit must never enqueue a request")
}

func TestDropSession_AbortsPendingRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Minute
	m := newTestManager(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := m.AddRequest(context.Background(), "Read", map[string]any{"file_path": "/a"}, "S1")
		done <- err
	}()
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, time.Millisecond)

	m.DropSession("S1")

	err := <-done
	assert.True(t, IsAborted(err))
	assert.Equal(t, 0, m.Len())
}

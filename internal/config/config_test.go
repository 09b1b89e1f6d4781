package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesSpecConstants(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.PermissionTimeout)
	assert.Equal(t, 100, cfg.QueueMaxSize)
	assert.Equal(t, 1000, cfg.CacheMaxEntriesPerSession)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 100, cfg.OutboundQueueMaxLen)
}

func TestLoad_ProjectConfigFileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".toolbroker"), 0755))
	jsonc := `{
		// trailing line comment is stripped before parsing
		"queueMaxSize": 250
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".toolbroker", "toolbroker.jsonc"), []byte(jsonc), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.QueueMaxSize)
	assert.Equal(t, 30*time.Second, cfg.PermissionTimeout, "unset fields keep the default")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".toolbroker"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".toolbroker", "toolbroker.jsonc"), []byte(`{"queueMaxSize": 250}`), 0644))

	t.Setenv("TOOLBROKER_QUEUE_MAX_SIZE", "500")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.QueueMaxSize, "environment variables are the highest-priority source")
}

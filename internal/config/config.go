package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config holds every tunable named in spec.md §6. Zero-value fields are
// filled in by DefaultConfig; Load layers file and environment overrides
// on top of those defaults, exactly mirroring the teacher's three-source
// priority order (global file, project file, environment).
type Config struct {
	PermissionTimeout time.Duration `json:"permissionTimeout"`
	PlanTimeout       time.Duration `json:"planTimeout"`
	QueueMaxSize      int           `json:"queueMaxSize"`
	CleanupInterval   time.Duration `json:"cleanupInterval"`

	CacheMaxEntriesPerSession int           `json:"cacheMaxEntriesPerSession"`
	CacheTTL                  time.Duration `json:"cacheTTL"`

	HeartbeatInterval   time.Duration `json:"heartbeatInterval"`
	OutboundQueueMaxLen int           `json:"outboundQueueMaxLen"`

	ListenAddr string `json:"listenAddr"`

	LogLevel  string `json:"logLevel"`
	LogDir    string `json:"logDir"`
	LogToFile bool   `json:"logToFile"`
}

// DefaultConfig returns the constants named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		PermissionTimeout:         30 * time.Second,
		PlanTimeout:               30 * time.Second,
		QueueMaxSize:              100,
		CleanupInterval:           60 * time.Second,
		CacheMaxEntriesPerSession: 1000,
		CacheTTL:                 time.Hour,
		HeartbeatInterval:        30 * time.Second,
		OutboundQueueMaxLen:      100,
		ListenAddr:               ":4096",
		LogLevel:                 "info",
		LogDir:                   "/tmp",
		LogToFile:                false,
	}
}

// Load loads configuration from multiple sources (priority order, lowest
// to highest):
//  1. Global config (~/.config/toolbroker/toolbroker.jsonc)
//  2. Project config (<directory>/.toolbroker/toolbroker.jsonc)
//  3. A .env file in directory, if present
//  4. Environment variables
func Load(directory string) (*Config, error) {
	cfg := DefaultConfig()

	loadConfigFile(filepath.Join(GetPaths().Config, "toolbroker.jsonc"), &cfg)
	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".toolbroker", "toolbroker.jsonc"), &cfg)
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// loadConfigFile reads one JSONC file and merges any fields it sets into
// cfg. A missing file is not an error — each layer is optional.
func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var fileCfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &fileCfg); err != nil {
		return
	}
	mergeConfig(cfg, &fileCfg)
}

func mergeConfig(target, source *Config) {
	if source.PermissionTimeout != 0 {
		target.PermissionTimeout = source.PermissionTimeout
	}
	if source.PlanTimeout != 0 {
		target.PlanTimeout = source.PlanTimeout
	}
	if source.QueueMaxSize != 0 {
		target.QueueMaxSize = source.QueueMaxSize
	}
	if source.CleanupInterval != 0 {
		target.CleanupInterval = source.CleanupInterval
	}
	if source.CacheMaxEntriesPerSession != 0 {
		target.CacheMaxEntriesPerSession = source.CacheMaxEntriesPerSession
	}
	if source.CacheTTL != 0 {
		target.CacheTTL = source.CacheTTL
	}
	if source.HeartbeatInterval != 0 {
		target.HeartbeatInterval = source.HeartbeatInterval
	}
	if source.OutboundQueueMaxLen != 0 {
		target.OutboundQueueMaxLen = source.OutboundQueueMaxLen
	}
	if source.ListenAddr != "" {
		target.ListenAddr = source.ListenAddr
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogDir != "" {
		target.LogDir = source.LogDir
	}
	if source.LogToFile {
		target.LogToFile = true
	}
}

// applyEnvOverrides applies TOOLBROKER_* environment variable overrides,
// the highest-priority source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOOLBROKER_PERMISSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PermissionTimeout = d
		}
	}
	if v := os.Getenv("TOOLBROKER_PLAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PlanTimeout = d
		}
	}
	if v := os.Getenv("TOOLBROKER_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxSize = n
		}
	}
	if v := os.Getenv("TOOLBROKER_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CleanupInterval = d
		}
	}
	if v := os.Getenv("TOOLBROKER_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheMaxEntriesPerSession = n
		}
	}
	if v := os.Getenv("TOOLBROKER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}
	if v := os.Getenv("TOOLBROKER_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("TOOLBROKER_OUTBOUND_QUEUE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OutboundQueueMaxLen = n
		}
	}
	if v := os.Getenv("TOOLBROKER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TOOLBROKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TOOLBROKER_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("TOOLBROKER_LOG_TO_FILE"); v != "" {
		cfg.LogToFile = v == "1" || v == "true"
	}
}

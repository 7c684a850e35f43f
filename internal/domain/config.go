package domain

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is the common prefix for all configuration environment
// variables. Every flag mirrors one of these variables.
const EnvPrefix = "KESTREL_"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig

	// Policy and sanctions sources
	PolicyPath    string
	SanctionsPath string

	// Refresh intervals
	PolicyReloadInterval    time.Duration
	SanctionsReloadInterval time.Duration

	// Per-request latency budget
	LatencyBudget time.Duration

	// Component configurations
	Storage  StorageConfig
	Cache    CacheConfig
	EventBus EventBusConfig

	// Logging
	LogLevel string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the zero-dependency default: in-memory storage,
// local cache, in-process bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   "0.0.0.0:8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		PolicyPath:              "policy.json",
		SanctionsPath:           "sanctions.txt",
		PolicyReloadInterval:    30 * time.Second,
		SanctionsReloadInterval: 60 * time.Second,
		LatencyBudget:           100 * time.Millisecond,
		Storage: StorageConfig{
			Driver:       "memory",
			MaxOpenConns: 10,
			MinIdleConns: 2,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		LogLevel: "info",
	}
}

// FromEnv overlays KESTREL_* environment variables on the defaults.
// An empty KESTREL_DATABASE_URL selects the in-memory adapter; a value of
// the form "sqlite:<path>" selects sqlite; anything else is postgres.
func FromEnv() *Config {
	cfg := DefaultConfig()

	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := getenv("POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := getenv("SANCTIONS_PATH"); v != "" {
		cfg.SanctionsPath = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		if path, ok := strings.CutPrefix(v, "sqlite:"); ok {
			cfg.Storage.Driver = "sqlite"
			cfg.Storage.SQLitePath = path
		} else {
			cfg.Storage.Driver = "postgres"
			cfg.Storage.DatabaseURL = v
		}
	}
	if n, ok := getenvInt("DB_POOL_MAX"); ok {
		cfg.Storage.MaxOpenConns = n
	}
	if n, ok := getenvInt("DB_POOL_MIN"); ok {
		cfg.Storage.MinIdleConns = n
	}
	cfg.Storage.MigrateOnStart = getenv("MIGRATE_ON_START") == "true"
	if n, ok := getenvInt("POLICY_RELOAD_SECS"); ok {
		cfg.PolicyReloadInterval = time.Duration(n) * time.Second
	}
	if n, ok := getenvInt("SANCTIONS_RELOAD_SECS"); ok {
		cfg.SanctionsReloadInterval = time.Duration(n) * time.Second
	}
	if n, ok := getenvInt("LATENCY_BUDGET_MS"); ok {
		cfg.LatencyBudget = time.Duration(n) * time.Millisecond
	}
	if v := getenv("CACHE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := getenv("BUS"); v != "" {
		cfg.EventBus.Type = v
	}
	if v := getenv("NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func getenvInt(key string) (int, bool) {
	v := getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	mu       sync.RWMutex
)

// Storage backends for cache snapshots
const (
	BackendMemory    = "memory"
	BackendPebble    = "pebble"
	BackendSQLite    = "sqlite"
	BackendReindexer = "reindexer"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Caches      []NamedCache      `mapstructure:"caches"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig describes the REST API that owns the records
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CoordinatorConfig tunes optimistic mutations
type CoordinatorConfig struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	RefreshDelay time.Duration `mapstructure:"refresh_delay"`
	MaxInFlight  int           `mapstructure:"max_inflight"`
}

// StorageConfig selects where persistent caches are mirrored
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// CacheConfig contains registry-wide cache settings
type CacheConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// NamedCache declares one cache in the registry
type NamedCache struct {
	Name    string        `mapstructure:"name"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
	Persist bool          `mapstructure:"persist"`
}

// RateLimitConfig bounds incoming requests per client
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// LogConfig selects the logger mode
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Get returns the loaded configuration. Before Load it returns an empty config.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		return &Config{}
	}
	return instance
}

// Load initializes and loads configuration from file and environment variables
func Load(configPath string) error {
	mu.Lock()
	defer mu.Unlock()
	return loadLocked(configPath)
}

// Reload reloads the configuration (thread-safe)
func Reload(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	// On failure the previous configuration stays in place
	return loadLocked(configPath)
}

func loadLocked(configPath string) error {
	cfg, err := Parse(configPath)
	if err != nil {
		return err
	}
	instance = cfg
	return nil
}

// Parse reads configuration without touching the global instance
func Parse(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	setDefaults(v)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	// Unmarshal configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)

	// Upstream defaults
	v.SetDefault("upstream.base_url", "http://localhost:3000/api")
	v.SetDefault("upstream.timeout", 10*time.Second)

	// Coordinator defaults
	v.SetDefault("coordinator.debounce", 300*time.Millisecond)
	v.SetDefault("coordinator.refresh_delay", 2*time.Second)
	v.SetDefault("coordinator.max_inflight", 10)

	// Storage defaults
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.path", "data/snapshots")
	// Используем cproto протокол - RPC/TCP порт 6534
	v.SetDefault("storage.dsn", "cproto://localhost:6534/thesync")

	// Cache defaults
	v.SetDefault("cache.cleanup_interval", time.Minute)

	// Rate limit defaults
	v.SetDefault("rate_limit.requests_per_minute", 600)
	v.SetDefault("rate_limit.burst", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// bindEnvVars binds environment variables to viper keys
func bindEnvVars(v *viper.Viper) error {
	keys := map[string]string{
		// Server
		"server.host":            "APP_SERVER_HOST",
		"server.port":            "APP_SERVER_PORT",
		"server.request_timeout": "APP_SERVER_REQUEST_TIMEOUT",

		// Upstream
		"upstream.base_url": "APP_UPSTREAM_BASE_URL",
		"upstream.timeout":  "APP_UPSTREAM_TIMEOUT",

		// Coordinator
		"coordinator.debounce":      "APP_COORDINATOR_DEBOUNCE",
		"coordinator.refresh_delay": "APP_COORDINATOR_REFRESH_DELAY",
		"coordinator.max_inflight":  "APP_COORDINATOR_MAX_INFLIGHT",

		// Storage
		"storage.backend": "APP_STORAGE_BACKEND",
		"storage.path":    "APP_STORAGE_PATH",
		"storage.dsn":     "APP_STORAGE_DSN",

		// Cache
		"cache.cleanup_interval": "APP_CACHE_CLEANUP_INTERVAL",

		// Rate limit
		"rate_limit.requests_per_minute": "APP_RATE_LIMIT_REQUESTS_PER_MINUTE",
		"rate_limit.burst":               "APP_RATE_LIMIT_BURST",

		// Log
		"log.level":       "APP_LOG_LEVEL",
		"log.development": "APP_LOG_DEVELOPMENT",
	}
	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}

// validate performs validation on the configuration
func validate(cfg *Config) error {
	// Validate Server
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	// Validate Upstream
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}

	// Validate Coordinator
	if cfg.Coordinator.Debounce < 0 {
		return fmt.Errorf("coordinator.debounce must be non-negative")
	}
	if cfg.Coordinator.RefreshDelay < 0 {
		return fmt.Errorf("coordinator.refresh_delay must be non-negative")
	}
	if cfg.Coordinator.MaxInFlight < 1 {
		return fmt.Errorf("coordinator.max_inflight must be at least 1")
	}

	// Validate Storage
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendPebble, BackendSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for backend %q", cfg.Storage.Backend)
		}
	case BackendReindexer:
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for backend %q", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, pebble, sqlite, reindexer")
	}

	// Validate Caches
	if cfg.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache.cleanup_interval must be positive")
	}
	seen := make(map[string]bool, len(cfg.Caches))
	for i, c := range cfg.Caches {
		if c.Name == "" {
			return fmt.Errorf("caches[%d].name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("caches[%d].name %q is duplicated", i, c.Name)
		}
		seen[c.Name] = true
		if c.TTL < 0 {
			return fmt.Errorf("caches[%d].ttl must be non-negative", i)
		}
		if c.MaxSize < 0 {
			return fmt.Errorf("caches[%d].max_size must be non-negative", i)
		}
	}

	// Validate Rate limit
	if cfg.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("rate_limit.requests_per_minute must be at least 1")
	}
	if cfg.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1")
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hangarhq/hangar/pkg/idp"
	"github.com/hangarhq/hangar/pkg/observability"
	"github.com/hangarhq/hangar/pkg/session"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Session configuration
	Session SessionConfig

	// Login configuration
	Login LoginConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	SecureCookies   bool

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds SQL database configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3"
	Driver string
	URL    string
}

// SessionConfig holds session store configuration
type SessionConfig struct {
	// Store is "redis" or "memory"
	Store string
	TTL   time.Duration
	Redis session.RedisConfig
}

// LoginConfig holds login pipeline configuration
type LoginConfig struct {
	DiscoveryRetry idp.RetryConfig

	// RefreshSchedule is a cron expression for periodic registry
	// re-bootstrap; empty disables the refresh
	RefreshSchedule string

	// LogoutHintMaxBytes caps the id_token_hint size on logout redirects
	LogoutHintMaxBytes int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Session:       loadSessionConfig(),
		Login:         loadLoginConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HANGAR_HOST", "0.0.0.0"),
		Port:            getEnv("HANGAR_PORT", "8080"),
		BaseURL:         getEnv("HANGAR_BASE_URL", "http://localhost:8080"),
		ReadTimeout:     getEnvDuration("HANGAR_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HANGAR_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("HANGAR_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("HANGAR_SHUTDOWN_TIMEOUT", 30*time.Second),
		SecureCookies:   getEnvBool("HANGAR_SECURE_COOKIES", true),
		HealthPort:      getEnv("HANGAR_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver: getEnv("HANGAR_DB_DRIVER", "postgres"),
		URL:    getEnv("HANGAR_DB_URL", ""),
	}
}

// loadSessionConfig loads session store configuration from environment
func loadSessionConfig() SessionConfig {
	redis := session.DefaultRedisConfig()
	if url := getEnv("HANGAR_REDIS_URL", ""); url != "" {
		redis.URL = url
	}
	if password := getEnv("HANGAR_REDIS_PASSWORD", ""); password != "" {
		redis.Password = password
	}
	if db := getEnvInt("HANGAR_REDIS_DB", -1); db >= 0 {
		redis.DB = db
	}
	if maxRetries := getEnvInt("HANGAR_REDIS_MAX_RETRIES", 0); maxRetries > 0 {
		redis.MaxRetries = maxRetries
	}
	if poolSize := getEnvInt("HANGAR_REDIS_POOL_SIZE", 0); poolSize > 0 {
		redis.PoolSize = poolSize
	}

	ttl := getEnvDuration("HANGAR_SESSION_TTL", 12*time.Hour)
	redis.TTL = ttl

	return SessionConfig{
		Store: getEnv("HANGAR_SESSION_STORE", "redis"),
		TTL:   ttl,
		Redis: redis,
	}
}

// loadLoginConfig loads login pipeline configuration from environment
func loadLoginConfig() LoginConfig {
	retry := idp.DefaultRetryConfig()
	if maxRetries := getEnvInt("HANGAR_DISCOVERY_MAX_RETRIES", -1); maxRetries >= 0 {
		retry.MaxRetries = maxRetries
	}
	if backoff := getEnvDuration("HANGAR_DISCOVERY_INITIAL_BACKOFF", 0); backoff > 0 {
		retry.InitialBackoff = backoff
	}
	if maxBackoff := getEnvDuration("HANGAR_DISCOVERY_MAX_BACKOFF", 0); maxBackoff > 0 {
		retry.MaxBackoff = maxBackoff
	}

	return LoginConfig{
		DiscoveryRetry:     retry,
		RefreshSchedule:    getEnv("HANGAR_REGISTRY_REFRESH_SCHEDULE", ""),
		LogoutHintMaxBytes: getEnvInt("HANGAR_LOGOUT_HINT_MAX_BYTES", session.DefaultHintMaxBytes),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("HANGAR_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("HANGAR_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Session.Store {
	case "redis":
		if c.Session.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for redis session store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid session store: %s (must be redis or memory)", c.Session.Store)
	}

	if c.Login.LogoutHintMaxBytes <= 0 {
		return fmt.Errorf("logout hint max bytes must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

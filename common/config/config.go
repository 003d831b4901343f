package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Queue      QueueConfig
	Events     EventsConfig
	Telemetry  TelemetryConfig
	Versioning VersioningConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConns       int
	MinConns       int
	MaxIdleTime    time.Duration
	MaxLifetime    time.Duration
	MigrateOnStart bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds snapshot cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// QueueConfig holds in-process queue settings
type QueueConfig struct {
	Type       string // "memory"
	BufferSize int
}

// EventsConfig selects where committed diffs are announced
type EventsConfig struct {
	Backend string // "queue" or "redis"
	Topic   string
	Stream  string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// VersioningConfig holds versioning core settings
type VersioningConfig struct {
	// DiffEnabled turns diff computation on for every save
	DiffEnabled bool

	// AnomalyRules is a file of CEL anomaly rules, one "name: expression" per line
	AnomalyRules string
}

// AuthConfig holds session token settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// RateLimitConfig holds write rate limits, counted in Redis per client
type RateLimitConfig struct {
	Enabled bool
	Writes  int64 // writes allowed per window and client
	Window  time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:           getEnv("POSTGRES_HOST", "localhost"),
			Port:           getEnvInt("POSTGRES_PORT", 5432),
			Database:       getEnv("POSTGRES_DB", "registry"),
			User:           getEnv("POSTGRES_USER", "registry"),
			Password:       getEnv("POSTGRES_PASSWORD", "registry"),
			MaxConns:       getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:       getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime:    getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime:    getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			MigrateOnStart: getEnvBool("POSTGRES_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Queue: QueueConfig{
			Type:       getEnv("QUEUE_TYPE", "memory"),
			BufferSize: getEnvInt("QUEUE_BUFFER_SIZE", 1000),
		},
		Events: EventsConfig{
			Backend: getEnv("EVENTS_BACKEND", "queue"),
			Topic:   getEnv("EVENTS_TOPIC", "versioning.diffs"),
			Stream:  getEnv("EVENTS_STREAM", "versioning:diffs"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		Versioning: VersioningConfig{
			DiffEnabled:  getEnvBool("VERSIONING_DIFF_ENABLED", true),
			AnomalyRules: getEnv("VERSIONING_ANOMALY_RULES", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "api-gestion"),
			TokenTTL:  getEnvDuration("JWT_TOKEN_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", false),
			Writes:  int64(getEnvInt("RATE_LIMIT_WRITES", 60)),
			Window:  getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	switch c.Events.Backend {
	case "queue", "redis":
	default:
		return fmt.Errorf("invalid events backend: %q (want queue or redis)", c.Events.Backend)
	}

	if c.RateLimit.Enabled && (c.RateLimit.Writes < 1 || c.RateLimit.Window < time.Second) {
		return fmt.Errorf("invalid rate limit: %d writes per %s", c.RateLimit.Writes, c.RateLimit.Window)
	}

	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Telemetry.MetricsPort)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// NeedsRedis reports whether any enabled feature talks to Redis
func (c *Config) NeedsRedis() bool {
	return c.Events.Backend == "redis" || c.RateLimit.Enabled
}

// RedisAddr returns the Redis host:port
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvSlice reads a comma-separated list
func GetEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

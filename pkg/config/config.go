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
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (nonce cache and delivery queue)
	Redis RedisConfig

	// Queue configuration for webhook delivery dispatch
	Queue QueueConfig

	// Auth configuration: delegated exchange and internal credentials
	Auth AuthConfig

	// Webhooks configuration
	Webhooks WebhooksConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// QueueConfig selects the webhook delivery queue implementation
type QueueConfig struct {
	// Kind is "asynq" (durable, redis-backed), "pool" (in-process workers)
	// or "sync" (immediate, single-binary/testing deployments).
	Kind        string
	Concurrency int
}

// AuthConfig holds the delegated-auth settings for this service
type AuthConfig struct {
	// AuthorityOrigin is the base URL of the central account authority.
	AuthorityOrigin string
	// AuthorityPublicKey is the base64 Ed25519 key verifying webhooks the
	// authority sends to this service. Empty disables the inbound
	// endpoints.
	AuthorityPublicKey string
	// ClientID/ClientSecret identify this service to the authority.
	ClientID     string
	ClientSecret string
	// RevocationURL is registered with the authority on each exchange so it
	// can notify this service of token revocations.
	RevocationURL string
	// NetworkKey is the base64 shared key encrypting internal credentials.
	NetworkKey string
	// OwnerEmail is the support contact surfaced on suspension notices.
	OwnerEmail string
}

// WebhooksConfig holds webhook delivery settings
type WebhooksConfig struct {
	// PrivateKey is the base64 Ed25519 key signing outbound payloads.
	// Empty disables payload signing.
	PrivateKey string
	// DeliveryTimeout bounds each outbound POST.
	DeliveryTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("FORGE_HOST", "0.0.0.0"),
			Port:            getEnv("FORGE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("FORGE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("FORGE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("FORGE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("FORGE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("FORGE_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:         getEnv("FORGE_POSTGRES_URL", ""),
			ReplicaURLs: getEnvList("FORGE_POSTGRES_REPLICA_URLS"),
			MaxConns:    getEnvInt("FORGE_POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("FORGE_POSTGRES_MIN_CONNS", 2),
			Timeout:     getEnvDuration("FORGE_POSTGRES_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("FORGE_REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("FORGE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("FORGE_REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Kind:        getEnv("FORGE_QUEUE_KIND", "asynq"),
			Concurrency: getEnvInt("FORGE_QUEUE_CONCURRENCY", 10),
		},
		Auth: AuthConfig{
			AuthorityOrigin:    getEnv("FORGE_AUTHORITY_ORIGIN", ""),
			AuthorityPublicKey: getEnv("FORGE_AUTHORITY_PUBLIC_KEY", ""),
			ClientID:           getEnv("FORGE_OAUTH_CLIENT_ID", ""),
			ClientSecret:       getEnv("FORGE_OAUTH_CLIENT_SECRET", ""),
			RevocationURL:      getEnv("FORGE_OAUTH_REVOCATION_URL", ""),
			NetworkKey:         getEnv("FORGE_NETWORK_KEY", ""),
			OwnerEmail:         getEnv("FORGE_OWNER_EMAIL", "support@forgenet.example"),
		},
		Webhooks: WebhooksConfig{
			PrivateKey:      getEnv("FORGE_WEBHOOK_PRIVATE_KEY", ""),
			DeliveryTimeout: getEnvDuration("FORGE_WEBHOOK_DELIVERY_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
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
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	switch c.Queue.Kind {
	case "asynq", "pool", "sync":
	default:
		return fmt.Errorf("invalid queue kind: %s (must be asynq, pool, or sync)", c.Queue.Kind)
	}
	if c.Queue.Kind == "asynq" && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required for the asynq queue")
	}
	if c.Auth.AuthorityOrigin == "" {
		return fmt.Errorf("authority origin is required")
	}
	if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
		return fmt.Errorf("oauth client credentials are required")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

// getEnvList returns a comma-separated environment variable as a slice
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Package config loads process configuration: flat environment
// variable reads with inline defaults and fail-fast validation of
// required secrets, not a config-file library or framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the composition root's fully resolved configuration.
type Config struct {
	// ListenAddr is the Control API's bind address.
	ListenAddr string

	// PostgresDSN is the single repository's connection string.
	PostgresDSN string
	// RedisAddr backs the idempotency cache. Never the system of
	// record; Postgres is.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWTSecret signs and verifies Control API bearer tokens. Must be
	// at least 32 bytes; a short secret is a startup error, not a
	// silent downgrade.
	JWTSecret []byte

	// InterventionWebhookSecret authenticates inbound
	// resolve_intervention callbacks from the solving service.
	InterventionWebhookSecret []byte

	// MaxConcurrencySession is the default worker pool size, default 5.
	MaxConcurrencySession int

	// MaxItemDuration is the default per-item hard timeout, 10 minutes.
	MaxItemDuration time.Duration
	// InterventionTimeout is the default intervention resolve deadline,
	// 5 minutes.
	InterventionTimeout time.Duration
	// ShutdownWindow bounds cooperative cancellation, 30 seconds.
	ShutdownWindow time.Duration

	// SessionLeaseTTL is the staleness threshold past which a session's
	// heartbeat counts as a dead process.
	SessionLeaseTTL time.Duration

	// NodeID identifies this process for heartbeats and session
	// ownership.
	NodeID string
}

// Load reads Config from the environment: getEnv(key, default) for
// everything tunable, hard errors for missing secrets.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            getEnv("LISTEN_ADDR", ":8080"),
		PostgresDSN:           getEnv("POSTGRES_DSN", "postgres://localhost:5432/flowctl?sslmode=disable"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		MaxConcurrencySession: getEnvInt("MAX_CONCURRENCY_SESSION", 5),
		MaxItemDuration:       getEnvDuration("MAX_ITEM_DURATION", 10*time.Minute),
		InterventionTimeout:   getEnvDuration("INTERVENTION_TIMEOUT", 5*time.Minute),
		ShutdownWindow:        getEnvDuration("SHUTDOWN_WINDOW", 30*time.Second),
		SessionLeaseTTL:       getEnvDuration("SESSION_LEASE_TTL", 30*time.Second),
		NodeID:                getEnv("NODE_ID", defaultNodeID()),
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	secret := os.Getenv("JWT_SECRET")
	if len(secret) < 32 {
		if secret == "" {
			return nil, fmt.Errorf("JWT_SECRET is required and must be at least 32 characters")
		}
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}
	cfg.JWTSecret = []byte(secret)

	webhookSecret := os.Getenv("INTERVENTION_WEBHOOK_SECRET")
	if len(webhookSecret) < 32 {
		return nil, fmt.Errorf("INTERVENTION_WEBHOOK_SECRET is required and must be at least 32 characters")
	}
	cfg.InterventionWebhookSecret = []byte(webhookSecret)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "flowctl-node"
	}
	return hostname
}

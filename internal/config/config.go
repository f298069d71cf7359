// Package config loads server configuration from environment variables and client
// configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the node repository server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Storage: Postgres when DatabaseURL is set, in-memory otherwise
	DatabaseURL   string
	MigrationsDir string

	// Seed data for the in-memory store
	SeedFile  string
	WatchSeed bool

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret    string
	AuthDisabled bool
	TokenTTL     time.Duration

	// LSP listener: "stdio", "tcp:ADDR", "ws:ADDR" or empty
	LSPListen string

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with defaults and
// validates it.
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads configuration from environment variables without validating
// it, for tools that need only part of it.
func FromEnv() *Config {
	return &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:     envOr("METRICS_ADDR", ":9090"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		DatabaseURL:     envOr("DATABASE_URL", ""),
		MigrationsDir:   envOr("MIGRATIONS_DIR", "migrations"),
		SeedFile:        envOr("SEED_FILE", ""),
		WatchSeed:       envBool("WATCH_SEED", true),
		TLSCertFile:     envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:      envOr("TLS_KEY_FILE", ""),
		JWTSecret:       envOr("JWT_SECRET", ""),
		AuthDisabled:    envBool("AUTH_DISABLED", false),
		TokenTTL:        envDuration("TOKEN_TTL", 24*time.Hour),
		LSPListen:       envOr("LSP_LISTEN", ""),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate checks for inconsistent settings.
func (c *Config) Validate() error {
	if !c.AuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED is set")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.LSPListen != "" && c.LSPListen != "stdio" &&
		!strings.HasPrefix(c.LSPListen, "tcp:") && !strings.HasPrefix(c.LSPListen, "ws:") {
		return fmt.Errorf("LSP_LISTEN must be stdio, tcp:ADDR or ws:ADDR, got %q", c.LSPListen)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
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

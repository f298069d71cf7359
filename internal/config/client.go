package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig configures the explorer CLI and any embedding of the tree sync engine.
type ClientConfig struct {
	Server    string `yaml:"server"`     // HTTP base URL of the node repository
	RPC       string `yaml:"rpc"`        // tcp://host:port or ws://host:port/path
	View      string `yaml:"view"`       // default explorer view id
	TokenFile string `yaml:"token_file"` // empty = default location

	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	MaxFetchRetries int           `yaml:"max_fetch_retries"`
	FetchConcurrent int           `yaml:"fetch_concurrency"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultClientConfig returns the built-in client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:          "http://localhost:8080",
		View:            "projects",
		Timeout:         30 * time.Second,
		Retries:         3,
		MaxFetchRetries: 8,
		FetchConcurrent: 8,
		DuplicateWindow: 100 * time.Millisecond,
		LogLevel:        "warn",
		LogFormat:       "console",
	}
}

// DefaultClientConfigPath returns ~/.config/explorer/config.yaml.
func DefaultClientConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.TempDir(), "explorer")
		return filepath.Join(dir, "config.yaml")
	}
	return filepath.Join(dir, "explorer", "config.yaml")
}

// LoadClient reads the YAML file at path over the defaults, then applies
// EXPLORER_* environment overrides. A missing file is not an error.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		path = DefaultClientConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.Server = envOr("EXPLORER_SERVER", cfg.Server)
	cfg.RPC = envOr("EXPLORER_RPC", cfg.RPC)
	cfg.View = envOr("EXPLORER_VIEW", cfg.View)
	cfg.TokenFile = envOr("EXPLORER_TOKEN_FILE", cfg.TokenFile)
	cfg.Timeout = envDuration("EXPLORER_TIMEOUT", cfg.Timeout)
	cfg.Retries = envInt("EXPLORER_RETRIES", cfg.Retries)
	cfg.MaxFetchRetries = envInt("EXPLORER_MAX_FETCH_RETRIES", cfg.MaxFetchRetries)
	cfg.FetchConcurrent = envInt("EXPLORER_FETCH_CONCURRENCY", cfg.FetchConcurrent)
	cfg.DuplicateWindow = envDuration("EXPLORER_DUPLICATE_WINDOW", cfg.DuplicateWindow)
	cfg.LogLevel = envOr("EXPLORER_LOG_LEVEL", cfg.LogLevel)

	return cfg, cfg.Validate()
}

// Validate checks the client settings.
func (c ClientConfig) Validate() error {
	if c.Server == "" && c.RPC == "" {
		return errors.New("either server or rpc must be configured")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Retries < 0 || c.MaxFetchRetries < 0 {
		return errors.New("retry counts must not be negative")
	}
	if c.FetchConcurrent < 1 {
		return fmt.Errorf("fetch_concurrency must be at least 1, got %d", c.FetchConcurrent)
	}
	return nil
}

// Save writes the config as YAML, creating the parent directory.
func (c ClientConfig) Save(path string) error {
	if path == "" {
		path = DefaultClientConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

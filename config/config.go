// Package config loads the daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting of the store daemon.
type Config struct {
	// APIRoot is the base URL of the platform API that receives attendee
	// invitations. Empty disables scheduling delivery.
	APIRoot string `yaml:"api_root"`
	// AuthCookie is the session cookie attached to delivery requests.
	AuthCookie string `yaml:"auth_cookie"`
	// HTTPTimeoutSeconds bounds outgoing delivery requests.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`
	// RetryCron is the cron spec for retrying failed deliveries.
	RetryCron string `yaml:"retry_cron"`
	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTPTimeoutSeconds: 10,
		RetryCron:          "@every 5m",
		DatabasePath:       "data/calstore.db",
		LogLevel:           "info",
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.HTTPTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("http_timeout_seconds must be positive")
	}
	if cfg.RetryCron == "" {
		return nil, fmt.Errorf("retry_cron must not be empty")
	}
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database_path must not be empty")
	}
	return cfg, nil
}

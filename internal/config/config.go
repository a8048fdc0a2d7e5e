// Package config loads service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs to run.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	ListenAddr  string `yaml:"listen_addr"`

	// ActionTimeout bounds each action handler invocation.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// AggregationPolicy selects how per-action results roll up into an
	// execution status: "default" (mixed results are PARTIAL) or "strict"
	// (any failed action makes the execution FAILURE).
	AggregationPolicy string `yaml:"aggregation_policy"`

	// CacheTTL expires candidate cache entries; 0 means invalidate-only.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the built-in configuration values.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		ActionTimeout:     5 * time.Second,
		AggregationPolicy: "default",
		CacheTTL:          0,
	}
}

// Load reads the YAML file at path (skipped when path is empty), then
// applies environment overrides. DATABASE_URL is required one way or the
// other.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ACTION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid ACTION_TIMEOUT %q: %w", v, err)
		}
		cfg.ActionTimeout = d
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CACHE_TTL %q: %w", v, err)
		}
		cfg.CacheTTL = d
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("database URL is required (config file or DATABASE_URL)")
	}
	if cfg.ActionTimeout <= 0 {
		return cfg, fmt.Errorf("action timeout must be positive")
	}
	return cfg, nil
}

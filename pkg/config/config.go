// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// PluginsDir is where installed plugin sources live.
	PluginsDir string

	// DatabasePath is the sqlite database file.
	DatabasePath string

	// ExecutionBudget bounds each plugin call.
	ExecutionBudget time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// WatchPlugins enables the filesystem watcher over PluginsDir.
	WatchPlugins bool
}

// Load reads configuration from LANTERN_* environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      envString("LANTERN_LISTEN_ADDR", ":8080"),
		PluginsDir:      envString("LANTERN_PLUGINS_DIR", "./data/plugins"),
		DatabasePath:    envString("LANTERN_DATABASE_PATH", "./data/lantern.db"),
		ExecutionBudget: 5 * time.Second,
		LogLevel:        envString("LANTERN_LOG_LEVEL", "info"),
		WatchPlugins:    envBool("LANTERN_WATCH_PLUGINS", true),
	}

	if raw := os.Getenv("LANTERN_EXECUTION_BUDGET"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid LANTERN_EXECUTION_BUDGET %q: %w", raw, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("LANTERN_EXECUTION_BUDGET must be positive, got %q", raw)
		}
		cfg.ExecutionBudget = d
	}

	return cfg, nil
}

func envString(key, fallback string) string {
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

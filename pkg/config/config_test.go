package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "./data/plugins", cfg.PluginsDir)
	assert.Equal(t, 5*time.Second, cfg.ExecutionBudget)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.WatchPlugins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LANTERN_LISTEN_ADDR", ":9999")
	t.Setenv("LANTERN_PLUGINS_DIR", "/var/lib/lantern/plugins")
	t.Setenv("LANTERN_EXECUTION_BUDGET", "250ms")
	t.Setenv("LANTERN_LOG_LEVEL", "debug")
	t.Setenv("LANTERN_WATCH_PLUGINS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/lantern/plugins", cfg.PluginsDir)
	assert.Equal(t, 250*time.Millisecond, cfg.ExecutionBudget)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.WatchPlugins)
}

func TestLoadRejectsBadBudget(t *testing.T) {
	t.Setenv("LANTERN_EXECUTION_BUDGET", "soon")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("LANTERN_EXECUTION_BUDGET", "-5s")
	_, err = Load()
	require.Error(t, err)
}

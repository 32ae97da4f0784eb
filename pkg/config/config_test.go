package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.MaxStorageSize)
	assert.Equal(t, 10, cfg.MaxPersistedLogs)
	assert.Equal(t, 120_000, cfg.ValidationTimeoutMs)
	assert.Equal(t, 10_000, cfg.WaitForExportDefaultMs)
	assert.Equal(t, 2, cfg.TreeBroadcastMaxRatePerSec)
	assert.Equal(t, 100, cfg.ActiveTransfersRetention)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	data := []byte("maxStorageSize: 5\nvalidationTimeoutMs: 250\nmetricsAddr: \":9090\"\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxStorageSize)
	assert.Equal(t, 250, cfg.ValidationTimeoutMs)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	// Untouched keys keep defaults
	assert.Equal(t, 10, cfg.MaxPersistedLogs)
	assert.Equal(t, "player", cfg.DefaultForceName)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxStorageSize: {"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative storage size", func(c *Config) { c.MaxStorageSize = -1 }},
		{"zero persisted logs", func(c *Config) { c.MaxPersistedLogs = 0 }},
		{"zero validation timeout", func(c *Config) { c.ValidationTimeoutMs = 0 }},
		{"zero broadcast rate", func(c *Config) { c.TreeBroadcastMaxRatePerSec = 0 }},
		{"zero retention", func(c *Config) { c.ActiveTransfersRetention = 0 }},
		{"empty database dir", func(c *Config) { c.DatabaseDirectory = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2*time.Minute, cfg.ValidationTimeout())
	assert.Equal(t, 10*time.Second, cfg.WaitForExportDefault())
	assert.Equal(t, 500*time.Millisecond, cfg.TreeBroadcastInterval())
}

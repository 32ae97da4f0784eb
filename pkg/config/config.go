package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all controller-scope configuration.
type Config struct {
	// DatabaseDirectory is where persisted JSON state lives.
	DatabaseDirectory string `yaml:"databaseDirectory"`

	// MaxStorageSize bounds the export registry (record count).
	MaxStorageSize int `yaml:"maxStorageSize"`

	// MaxPersistedLogs bounds the transaction-log file (entry count).
	MaxPersistedLogs int `yaml:"maxPersistedLogs"`

	// ValidationTimeoutMs is the validation watchdog deadline.
	ValidationTimeoutMs int `yaml:"validationTimeoutMs"`

	// WaitForExportDefaultMs bounds waiting for a stored export to appear.
	WaitForExportDefaultMs int `yaml:"waitForExportDefaultMs"`

	// TreeBroadcastMaxRatePerSec caps coalesced tree broadcasts.
	TreeBroadcastMaxRatePerSec int `yaml:"treeBroadcastMaxRatePerSec"`

	// ActiveTransfersRetention caps retained terminal transfer records.
	ActiveTransfersRetention int `yaml:"activeTransfersRetention"`

	// RequestTimeoutMs bounds outbound instance requests.
	RequestTimeoutMs int `yaml:"requestTimeoutMs"`

	// DefaultForceName is the force used for broadcast tree snapshots.
	DefaultForceName string `yaml:"defaultForceName"`

	// MetricsAddr is the Prometheus listen address ("" disables).
	MetricsAddr string `yaml:"metricsAddr"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`
}

// Default returns the controller defaults.
func Default() Config {
	return Config{
		DatabaseDirectory:          "database",
		MaxStorageSize:             100,
		MaxPersistedLogs:           10,
		ValidationTimeoutMs:        120_000,
		WaitForExportDefaultMs:     10_000,
		TreeBroadcastMaxRatePerSec: 2,
		ActiveTransfersRetention:   100,
		RequestTimeoutMs:           30_000,
		DefaultForceName:           "player",
		MetricsAddr:                "",
		LogLevel:                   "info",
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks the bounds the core needs to operate: every bound must
// be at least 1, except maxStorageSize, which may be 0.
func (c Config) Validate() error {
	if c.DatabaseDirectory == "" {
		return fmt.Errorf("databaseDirectory must be set")
	}
	if c.MaxStorageSize < 0 {
		return fmt.Errorf("maxStorageSize must be >= 0, got %d", c.MaxStorageSize)
	}
	if c.MaxPersistedLogs < 1 {
		return fmt.Errorf("maxPersistedLogs must be >= 1, got %d", c.MaxPersistedLogs)
	}
	if c.ValidationTimeoutMs < 1 {
		return fmt.Errorf("validationTimeoutMs must be >= 1, got %d", c.ValidationTimeoutMs)
	}
	if c.WaitForExportDefaultMs < 1 {
		return fmt.Errorf("waitForExportDefaultMs must be >= 1, got %d", c.WaitForExportDefaultMs)
	}
	if c.TreeBroadcastMaxRatePerSec < 1 {
		return fmt.Errorf("treeBroadcastMaxRatePerSec must be >= 1, got %d", c.TreeBroadcastMaxRatePerSec)
	}
	if c.ActiveTransfersRetention < 1 {
		return fmt.Errorf("activeTransfersRetention must be >= 1, got %d", c.ActiveTransfersRetention)
	}
	if c.RequestTimeoutMs < 1 {
		return fmt.Errorf("requestTimeoutMs must be >= 1, got %d", c.RequestTimeoutMs)
	}
	return nil
}

// ValidationTimeout returns the watchdog deadline as a duration.
func (c Config) ValidationTimeout() time.Duration {
	return time.Duration(c.ValidationTimeoutMs) * time.Millisecond
}

// WaitForExportDefault returns the export wait bound as a duration.
func (c Config) WaitForExportDefault() time.Duration {
	return time.Duration(c.WaitForExportDefaultMs) * time.Millisecond
}

// RequestTimeout returns the bridge transport bound as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// TreeBroadcastInterval returns the minimum gap between tree broadcasts.
func (c Config) TreeBroadcastInterval() time.Duration {
	return time.Second / time.Duration(c.TreeBroadcastMaxRatePerSec)
}

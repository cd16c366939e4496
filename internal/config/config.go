// Package config loads and validates the monitor configuration.
//
// DESIGN: Configuration comes from a YAML file with ${VAR:-default}
// environment expansion, plus a small set of environment overrides so
// orchestration layers can redirect paths without editing config files.
// Missing duration settings fall back to documented defaults; directory
// paths are required because they name external systems we cannot guess.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shelfwood/agentviz/internal/monitoring"
)

// Default durations applied when the YAML omits them.
const (
	DefaultDebounce      = 200 * time.Millisecond
	DefaultGracePeriod   = 10 * time.Second
	DefaultRetryInterval = 60 * time.Second
	DefaultStaleAfter    = time.Hour
)

// Config is the root configuration for the monitor daemon.
type Config struct {
	StateDir    string                     `yaml:"state_dir"`    // Assistant session log directory
	MetadataDir string                     `yaml:"metadata_dir"` // Launcher metadata directory
	DBPath      string                     `yaml:"db_path"`      // SQLite database path
	Monitor     MonitorConfig              `yaml:"monitor"`      // Daemon timing knobs
	Logging     LoggingConfig              `yaml:"logging"`      // Operator log settings
	Telemetry   monitoring.TelemetryConfig `yaml:"telemetry"`    // Analytics JSONL stream
}

// MonitorConfig contains the daemon's timing settings.
type MonitorConfig struct {
	Debounce      time.Duration `yaml:"debounce"`       // Filesystem event stability window
	GracePeriod   time.Duration `yaml:"grace_period"`   // Wait before first correlation attempt
	RetryInterval time.Duration `yaml:"retry_interval"` // Correlation retry cadence
	StaleAfter    time.Duration `yaml:"stale_after"`    // Log idle time before a session counts as finished
}

// LoggingConfig contains zerolog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes, applying env
// expansion, env overrides, defaults, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets orchestration layers redirect paths without
// modifying config files.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTVIZ_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("AGENTVIZ_METADATA_DIR"); v != "" {
		c.MetadataDir = v
	}
	if v := os.Getenv("AGENTVIZ_DB_PATH"); v != "" {
		c.DBPath = v
	}
	// Orchestration layers can redirect telemetry without a config edit;
	// providing a path implies enabling the stream.
	if v := os.Getenv("AGENTVIZ_TELEMETRY_LOG"); v != "" {
		c.Telemetry.Path = v
		c.Telemetry.Enabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.Monitor.Debounce == 0 {
		c.Monitor.Debounce = DefaultDebounce
	}
	if c.Monitor.GracePeriod == 0 {
		c.Monitor.GracePeriod = DefaultGracePeriod
	}
	if c.Monitor.RetryInterval == 0 {
		c.Monitor.RetryInterval = DefaultRetryInterval
	}
	if c.Monitor.StaleAfter == 0 {
		c.Monitor.StaleAfter = DefaultStaleAfter
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	c.StateDir = expandHome(c.StateDir)
	c.MetadataDir = expandHome(c.MetadataDir)
	c.DBPath = expandHome(c.DBPath)
	c.Telemetry.Path = expandHome(c.Telemetry.Path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.MetadataDir == "" {
		return fmt.Errorf("metadata_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Monitor.Debounce < 0 || c.Monitor.GracePeriod < 0 ||
		c.Monitor.RetryInterval < 0 || c.Monitor.StaleAfter < 0 {
		return fmt.Errorf("monitor durations must not be negative")
	}

	if c.Telemetry.Enabled && c.Telemetry.Path == "" {
		return fmt.Errorf("telemetry.path is required when telemetry.enabled is true")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q (must be json or console)", c.Logging.Format)
	}

	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

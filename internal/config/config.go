// ABOUTME: Agent settings loading and parsing for nvagent
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the agent settings file inside the config root.
const FileName = "agent.yaml"

// Config represents the complete nvagent settings.
type Config struct {
	Control   ControlConfig   `yaml:"control"`
	Reset     ResetConfig     `yaml:"reset"`
	Retry     RetryConfig     `yaml:"retry"`
	Health    HealthConfig    `yaml:"health"`
	History   HistoryConfig   `yaml:"history"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ControlConfig holds the coordination service connection settings.
type ControlConfig struct {
	// Endpoint is used when the identity file carries no server endpoint.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`

	ConnectTimeout    time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw    string `yaml:"connect_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// ResetConfig holds deprovisioning settings.
type ResetConfig struct {
	DisconnectTimeout    time.Duration `yaml:"-"`
	DisconnectTimeoutRaw string        `yaml:"disconnect_timeout"`
}

// RetryConfig holds the reconnect policy applied after a failed connection.
type RetryConfig struct {
	Enabled bool `yaml:"enabled"`

	InitialInterval time.Duration `yaml:"-"`
	MaxInterval     time.Duration `yaml:"-"`

	InitialIntervalRaw string `yaml:"initial_interval"`
	MaxIntervalRaw     string `yaml:"max_interval"`
}

// HealthConfig holds the local gRPC health endpoint address. Empty disables it.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig holds the event history database location. Empty disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when no file exists.
func Default() *Config {
	return &Config{
		Control: ControlConfig{
			Insecure:             true,
			ConnectTimeout:       15 * time.Second,
			HeartbeatInterval:    20 * time.Second,
			ConnectTimeoutRaw:    "15s",
			HeartbeatIntervalRaw: "20s",
		},
		Reset: ResetConfig{
			DisconnectTimeout:    10 * time.Second,
			DisconnectTimeoutRaw: "10s",
		},
		Retry: RetryConfig{
			Enabled:            true,
			InitialInterval:    time.Second,
			MaxInterval:        time.Minute,
			InitialIntervalRaw: "1s",
			MaxIntervalRaw:     "1m",
		},
		Health: HealthConfig{
			Addr: "127.0.0.1:50052",
		},
		History: HistoryConfig{
			Path: filepath.Join(DataDir(), "history.db"),
		},
		Tailscale: TailscaleConfig{
			Hostname:  "nvagent",
			Ephemeral: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the settings file at path. A missing file yields Default().
// Environment variables in the format ${VAR_NAME} are expanded, and keys
// absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes settings from YAML bytes on top of Default().
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	out := *cfg
	out.Control.ConnectTimeoutRaw = cfg.Control.ConnectTimeout.String()
	out.Control.HeartbeatIntervalRaw = cfg.Control.HeartbeatInterval.String()
	out.Reset.DisconnectTimeoutRaw = cfg.Reset.DisconnectTimeout.String()
	out.Retry.InitialIntervalRaw = cfg.Retry.InitialInterval.String()
	out.Retry.MaxIntervalRaw = cfg.Retry.MaxInterval.String()

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that the settings are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Control.ConnectTimeout <= 0 {
		return fmt.Errorf("control.connect_timeout must be positive")
	}
	if c.Control.HeartbeatInterval <= 0 {
		return fmt.Errorf("control.heartbeat_interval must be positive")
	}
	if c.Reset.DisconnectTimeout <= 0 {
		return fmt.Errorf("reset.disconnect_timeout must be positive")
	}

	if c.Retry.Enabled {
		if c.Retry.InitialInterval <= 0 {
			return fmt.Errorf("retry.initial_interval must be positive")
		}
		if c.Retry.MaxInterval < c.Retry.InitialInterval {
			return fmt.Errorf("retry.max_interval (%s) is below retry.initial_interval (%s)",
				c.Retry.MaxInterval, c.Retry.InitialInterval)
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json, pretty", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"control.connect_timeout", cfg.Control.ConnectTimeoutRaw, &cfg.Control.ConnectTimeout},
		{"control.heartbeat_interval", cfg.Control.HeartbeatIntervalRaw, &cfg.Control.HeartbeatInterval},
		{"reset.disconnect_timeout", cfg.Reset.DisconnectTimeoutRaw, &cfg.Reset.DisconnectTimeout},
		{"retry.initial_interval", cfg.Retry.InitialIntervalRaw, &cfg.Retry.InitialInterval},
		{"retry.max_interval", cfg.Retry.MaxIntervalRaw, &cfg.Retry.MaxInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

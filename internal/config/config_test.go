// ABOUTME: Tests for agent settings loading and parsing
// ABOUTME: Covers YAML loading, defaults, env var expansion, durations and paths

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
control:
  endpoint: "coord.example.net:50051"
  insecure: false
  connect_timeout: "5s"
  heartbeat_interval: "10s"
reset:
  disconnect_timeout: "3s"
retry:
  enabled: true
  initial_interval: "500ms"
  max_interval: "30s"
health:
  addr: "127.0.0.1:6000"
history:
  path: "/tmp/history.db"
tailscale:
  enabled: true
  hostname: "edge-1"
  ephemeral: false
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Control.Endpoint != "coord.example.net:50051" {
		t.Errorf("Control.Endpoint = %q", cfg.Control.Endpoint)
	}
	if cfg.Control.Insecure {
		t.Error("Control.Insecure = true, want false")
	}
	if cfg.Control.ConnectTimeout != 5*time.Second {
		t.Errorf("Control.ConnectTimeout = %v, want 5s", cfg.Control.ConnectTimeout)
	}
	if cfg.Control.HeartbeatInterval != 10*time.Second {
		t.Errorf("Control.HeartbeatInterval = %v, want 10s", cfg.Control.HeartbeatInterval)
	}
	if cfg.Reset.DisconnectTimeout != 3*time.Second {
		t.Errorf("Reset.DisconnectTimeout = %v, want 3s", cfg.Reset.DisconnectTimeout)
	}
	if cfg.Retry.InitialInterval != 500*time.Millisecond || cfg.Retry.MaxInterval != 30*time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Health.Addr != "127.0.0.1:6000" {
		t.Errorf("Health.Addr = %q", cfg.Health.Addr)
	}
	if cfg.History.Path != "/tmp/history.db" {
		t.Errorf("History.Path = %q", cfg.History.Path)
	}
	if !cfg.Tailscale.Enabled || cfg.Tailscale.Hostname != "edge-1" || cfg.Tailscale.Ephemeral {
		t.Errorf("Tailscale = %+v", cfg.Tailscale)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Control.ConnectTimeout != want.Control.ConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", cfg.Control.ConnectTimeout, want.Control.ConnectTimeout)
	}
	if !cfg.Retry.Enabled {
		t.Error("retry should be enabled by default")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
control:
  endpoint: "coord:1"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Control.Endpoint != "coord:1" {
		t.Errorf("Control.Endpoint = %q", cfg.Control.Endpoint)
	}
	if cfg.Control.HeartbeatInterval != 20*time.Second {
		t.Errorf("HeartbeatInterval = %v, want default 20s", cfg.Control.HeartbeatInterval)
	}
	if cfg.Reset.DisconnectTimeout != 10*time.Second {
		t.Errorf("DisconnectTimeout = %v, want default 10s", cfg.Reset.DisconnectTimeout)
	}
	if !cfg.Control.Insecure {
		t.Error("Control.Insecure default should survive a partial file")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("NVAGENT_TEST_ENDPOINT", "coord.internal:7000")
	t.Setenv("NVAGENT_TEST_TSKEY", "tskey-auth-abc")

	path := writeConfig(t, `
control:
  endpoint: "${NVAGENT_TEST_ENDPOINT}"
tailscale:
  auth_key: "${NVAGENT_TEST_TSKEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Control.Endpoint != "coord.internal:7000" {
		t.Errorf("Control.Endpoint = %q", cfg.Control.Endpoint)
	}
	if cfg.Tailscale.AuthKey != "tskey-auth-abc" {
		t.Errorf("Tailscale.AuthKey = %q", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "control: [unclosed")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail on invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
control:
  connect_timeout: "soon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail on invalid duration")
	}
	if !strings.Contains(err.Error(), "control.connect_timeout") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero connect timeout", func(c *Config) { c.Control.ConnectTimeout = 0 }, "connect_timeout"},
		{"zero heartbeat", func(c *Config) { c.Control.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"zero disconnect timeout", func(c *Config) { c.Reset.DisconnectTimeout = 0 }, "disconnect_timeout"},
		{"retry max below initial", func(c *Config) { c.Retry.MaxInterval = time.Millisecond }, "max_interval"},
		{"retry disabled ignores intervals", func(c *Config) {
			c.Retry.Enabled = false
			c.Retry.InitialInterval = 0
		}, ""},
		{"tailscale without hostname", func(c *Config) {
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = ""
		}, "tailscale.hostname"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"pretty format", func(c *Config) { c.Logging.Format = "pretty" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("NVAGENT_A", "alpha")

	tests := []struct {
		in, want string
	}{
		{"${NVAGENT_A}", "alpha"},
		{"x-${NVAGENT_A}-y", "x-alpha-y"},
		{"${NVAGENT_UNSET_VAR}", ""},
		{"$NVAGENT_A", "$NVAGENT_A"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	cfg := Default()
	cfg.Control.Endpoint = "coord:9"
	cfg.Retry.MaxInterval = 90 * time.Second

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Control.Endpoint != "coord:9" {
		t.Errorf("Control.Endpoint = %q", loaded.Control.Endpoint)
	}
	if loaded.Retry.MaxInterval != 90*time.Second {
		t.Errorf("Retry.MaxInterval = %v, want 90s", loaded.Retry.MaxInterval)
	}
}

func TestConfigRoot(t *testing.T) {
	t.Run("explicit root", func(t *testing.T) {
		t.Setenv(ConfigRootEnv, "/srv/nvagent")
		if got := ConfigRoot(); got != "/srv/nvagent" {
			t.Errorf("ConfigRoot() = %q", got)
		}
		if got := DefaultPath(); got != filepath.Join("/srv/nvagent", FileName) {
			t.Errorf("DefaultPath() = %q", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv(ConfigRootEnv, "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
		if got := ConfigRoot(); got != filepath.Join("/xdg/config", "nvagent") {
			t.Errorf("ConfigRoot() = %q", got)
		}
	})

	t.Run("home", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv(ConfigRootEnv, "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		if got := ConfigRoot(); got != filepath.Join(home, ".config", "nvagent") {
			t.Errorf("ConfigRoot() = %q", got)
		}
	})
}

func TestDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	if got := DataDir(); got != filepath.Join("/xdg/data", "nvagent") {
		t.Errorf("DataDir() = %q", got)
	}
	if got := Default().History.Path; got != filepath.Join("/xdg/data", "nvagent", "history.db") {
		t.Errorf("Default().History.Path = %q", got)
	}
}

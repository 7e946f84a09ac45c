// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, defaults, env var expansion, duration parsing and path resolution

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
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8090"

database:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"

sessions:
  reconnect_delay: "3s"
  conflict_delay: "45s"
  qr_expiry_delay: "1s"
  handshake_timeout: "40s"

router:
  dedupe_ttl: "90s"

delivery:
  max_retries: 5
  ready_timeout: "20s"
  base_backoff: "1s"

agents:
  part_interval: "250ms"

autopilot:
  enabled: true
  interval: "1m"
  quiet_window: "30s"
  starters_file: "starters.toml"

completion:
  provider: "openai"
  api_key: "sk-test"
  model: "gpt-4o"
  max_tokens: 200

protocol:
  driver: "matrix"
  matrix:
    homeserver: "https://matrix.example.org"
    accounts:
      Alice:
        username: "alice"
        password: "secret"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8090")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}

	if cfg.Sessions.ReconnectDelay != 3*time.Second {
		t.Errorf("Sessions.ReconnectDelay = %v, want %v", cfg.Sessions.ReconnectDelay, 3*time.Second)
	}
	if cfg.Sessions.ConflictDelay != 45*time.Second {
		t.Errorf("Sessions.ConflictDelay = %v, want %v", cfg.Sessions.ConflictDelay, 45*time.Second)
	}
	if cfg.Sessions.HandshakeTimeout != 40*time.Second {
		t.Errorf("Sessions.HandshakeTimeout = %v, want %v", cfg.Sessions.HandshakeTimeout, 40*time.Second)
	}
	if cfg.Router.DedupeTTL != 90*time.Second {
		t.Errorf("Router.DedupeTTL = %v, want %v", cfg.Router.DedupeTTL, 90*time.Second)
	}
	if cfg.Delivery.MaxRetries != 5 {
		t.Errorf("Delivery.MaxRetries = %d, want 5", cfg.Delivery.MaxRetries)
	}
	if cfg.Delivery.BaseBackoff != time.Second {
		t.Errorf("Delivery.BaseBackoff = %v, want %v", cfg.Delivery.BaseBackoff, time.Second)
	}
	if cfg.Agents.PartInterval != 250*time.Millisecond {
		t.Errorf("Agents.PartInterval = %v, want %v", cfg.Agents.PartInterval, 250*time.Millisecond)
	}

	if !cfg.Autopilot.Enabled {
		t.Error("Autopilot.Enabled = false, want true")
	}
	if cfg.Autopilot.Interval != time.Minute {
		t.Errorf("Autopilot.Interval = %v, want %v", cfg.Autopilot.Interval, time.Minute)
	}
	if cfg.Autopilot.StartersFile != "starters.toml" {
		t.Errorf("Autopilot.StartersFile = %q, want %q", cfg.Autopilot.StartersFile, "starters.toml")
	}

	if cfg.Completion.Provider != "openai" {
		t.Errorf("Completion.Provider = %q, want %q", cfg.Completion.Provider, "openai")
	}
	if cfg.Completion.MaxTokens != 200 {
		t.Errorf("Completion.MaxTokens = %d, want 200", cfg.Completion.MaxTokens)
	}

	if cfg.Protocol.Driver != "matrix" {
		t.Errorf("Protocol.Driver = %q, want %q", cfg.Protocol.Driver, "matrix")
	}
	account, ok := cfg.Protocol.Matrix.Accounts["Alice"]
	if !ok {
		t.Fatal("Protocol.Matrix.Accounts[Alice] missing")
	}
	if account.Username != "alice" || account.Password != "secret" {
		t.Errorf("Alice account = %+v, want alice/secret", account)
	}
}

func TestLoad_DefaultsFillMissingValues(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Server.HTTPAddr != def.Server.HTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, def.Server.HTTPAddr)
	}
	if cfg.Sessions.ReconnectDelay != 5*time.Second {
		t.Errorf("Sessions.ReconnectDelay = %v, want %v", cfg.Sessions.ReconnectDelay, 5*time.Second)
	}
	if cfg.Sessions.ConflictDelay != 30*time.Second {
		t.Errorf("Sessions.ConflictDelay = %v, want %v", cfg.Sessions.ConflictDelay, 30*time.Second)
	}
	if cfg.Router.DedupeTTL != 60*time.Second {
		t.Errorf("Router.DedupeTTL = %v, want %v", cfg.Router.DedupeTTL, 60*time.Second)
	}
	if cfg.Delivery.MaxRetries != 3 {
		t.Errorf("Delivery.MaxRetries = %d, want 3", cfg.Delivery.MaxRetries)
	}
	if cfg.Delivery.ReadyTimeout != 10*time.Second {
		t.Errorf("Delivery.ReadyTimeout = %v, want %v", cfg.Delivery.ReadyTimeout, 10*time.Second)
	}
	if cfg.Autopilot.Interval != 45*time.Second {
		t.Errorf("Autopilot.Interval = %v, want %v", cfg.Autopilot.Interval, 45*time.Second)
	}
	if cfg.Autopilot.QuietWindow != 25*time.Second {
		t.Errorf("Autopilot.QuietWindow = %v, want %v", cfg.Autopilot.QuietWindow, 25*time.Second)
	}
	if cfg.Completion.Provider != "canned" {
		t.Errorf("Completion.Provider = %q, want %q", cfg.Completion.Provider, "canned")
	}
	if cfg.Protocol.Driver != "simnet" {
		t.Errorf("Protocol.Driver = %q, want %q", cfg.Protocol.Driver, "simnet")
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("TEST_MATRIX_PASSWORD", "pw-from-env")

	configPath := writeConfig(t, `
completion:
  provider: "openai"
  api_key: "${TEST_OPENAI_KEY}"

protocol:
  driver: "matrix"
  matrix:
    homeserver: "https://matrix.example.org"
    accounts:
      Bob:
        username: "bob"
        password: "${TEST_MATRIX_PASSWORD}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Completion.APIKey != "sk-from-env" {
		t.Errorf("Completion.APIKey = %q, want %q", cfg.Completion.APIKey, "sk-from-env")
	}
	if got := cfg.Protocol.Matrix.Accounts["Bob"].Password; got != "pw-from-env" {
		t.Errorf("Bob password = %q, want %q", got, "pw-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	// Ensure the env var is NOT set
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, `
completion:
  provider: "canned"
  base_url: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars should expand to empty string
	if cfg.Completion.BaseURL != "" {
		t.Errorf("Completion.BaseURL = %q, want empty string for unset env var", cfg.Completion.BaseURL)
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	configPath := writeConfig(t, `
sessions:
  reconnect_delay: "1m30s"
agents:
  task_timeout: "2h"
completion:
  timeout: "500ms"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := 1*time.Minute + 30*time.Second
	if cfg.Sessions.ReconnectDelay != expected {
		t.Errorf("Sessions.ReconnectDelay = %v, want %v", cfg.Sessions.ReconnectDelay, expected)
	}
	if cfg.Agents.TaskTimeout != 2*time.Hour {
		t.Errorf("Agents.TaskTimeout = %v, want %v", cfg.Agents.TaskTimeout, 2*time.Hour)
	}
	if cfg.Completion.Timeout != 500*time.Millisecond {
		t.Errorf("Completion.Timeout = %v, want %v", cfg.Completion.Timeout, 500*time.Millisecond)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8090"
  invalid yaml here
    bad indentation
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
	}{
		{
			name:    "unparseable",
			content: "sessions:\n  reconnect_delay: \"not-a-duration\"\n",
			key:     "sessions.reconnect_delay",
		},
		{
			name:    "negative",
			content: "delivery:\n  base_backoff: \"-2s\"\n",
			key:     "delivery.base_backoff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error for invalid duration, got nil")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err.Error(), tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name: "tailscale without http addr",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale.Enabled = true
				c.Tailscale.Hostname = "switchboard"
			},
		},
		{
			name:    "tailscale without hostname",
			mutate:  func(c *Config) { c.Tailscale.Enabled = true },
			wantErr: "tailscale.hostname",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Delivery.MaxRetries = -1 },
			wantErr: "delivery.max_retries",
		},
		{
			name: "autopilot without interval",
			mutate: func(c *Config) {
				c.Autopilot.Enabled = true
				c.Autopilot.Interval = 0
			},
			wantErr: "autopilot.interval",
		},
		{
			name:    "openai without key",
			mutate:  func(c *Config) { c.Completion.Provider = "openai" },
			wantErr: "completion.api_key",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Completion.Provider = "oracle" },
			wantErr: "completion.provider",
		},
		{
			name:    "matrix without homeserver",
			mutate:  func(c *Config) { c.Protocol.Driver = "matrix" },
			wantErr: "protocol.matrix.homeserver",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Protocol.Driver = "telegraph" },
			wantErr: "protocol.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_1", "value1")
	t.Setenv("TEST_VAR_2", "value2")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single var", "${TEST_VAR_1}", "value1"},
		{"multiple vars", "${TEST_VAR_1} and ${TEST_VAR_2}", "value1 and value2"},
		{"var in middle", "prefix-${TEST_VAR_1}-suffix", "prefix-value1-suffix"},
		{"no vars", "no variables here", "no variables here"},
		{"unset var", "${UNSET_VAR_XYZ}", ""},
		{"bare dollar untouched", "$TEST_VAR_1", "$TEST_VAR_1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := expandEnvVars(tt.input); result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv(EnvConfigPath, "")

	if got := ResolvePath(""); got != "" {
		t.Errorf("ResolvePath() with nothing configured = %q, want empty", got)
	}

	defaultPath := filepath.Join(xdg, "coven", "switchboard.yaml")
	if err := os.MkdirAll(filepath.Dir(defaultPath), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(defaultPath, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := ResolvePath(""); got != defaultPath {
		t.Errorf("ResolvePath() = %q, want %q", got, defaultPath)
	}

	t.Setenv(EnvConfigPath, "/etc/switchboard.yaml")
	if got := ResolvePath(""); got != "/etc/switchboard.yaml" {
		t.Errorf("ResolvePath() with env = %q, want %q", got, "/etc/switchboard.yaml")
	}

	if got := ResolvePath("./local.yaml"); got != "./local.yaml" {
		t.Errorf("ResolvePath(flag) = %q, want %q", got, "./local.yaml")
	}
}

// ABOUTME: Configuration loading and parsing for coven-switchboard
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "SWITCHBOARD_CONFIG"

// Config represents the complete coven-switchboard configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Router     RouterConfig     `yaml:"router"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Agents     AgentsConfig     `yaml:"agents"`
	Autopilot  AutopilotConfig  `yaml:"autopilot"`
	Completion CompletionConfig `yaml:"completion"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
}

// ServerConfig holds the ops HTTP server address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionsConfig holds connection lifecycle timing
type SessionsConfig struct {
	ReconnectDelay   time.Duration `yaml:"-"`
	ConflictDelay    time.Duration `yaml:"-"`
	QRExpiryDelay    time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectDelayRaw   string `yaml:"reconnect_delay"`
	ConflictDelayRaw    string `yaml:"conflict_delay"`
	QRExpiryDelayRaw    string `yaml:"qr_expiry_delay"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
}

// RouterConfig holds anti-loop cache settings
type RouterConfig struct {
	DedupeTTL     time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	DedupeTTLRaw     string `yaml:"dedupe_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// DeliveryConfig holds outbound send settings
type DeliveryConfig struct {
	MaxRetries int `yaml:"max_retries"`

	ReadyTimeout time.Duration `yaml:"-"`
	PollInterval time.Duration `yaml:"-"`
	BaseBackoff  time.Duration `yaml:"-"`

	ReadyTimeoutRaw string `yaml:"ready_timeout"`
	PollIntervalRaw string `yaml:"poll_interval"`
	BaseBackoffRaw  string `yaml:"base_backoff"`
}

// AgentsConfig holds agent reply timing
type AgentsConfig struct {
	PartInterval time.Duration `yaml:"-"`
	TaskTimeout  time.Duration `yaml:"-"`

	PartIntervalRaw string `yaml:"part_interval"`
	TaskTimeoutRaw  string `yaml:"task_timeout"`
}

// AutopilotConfig holds the autonomous conversation driver settings
type AutopilotConfig struct {
	Enabled      bool   `yaml:"enabled"`
	StartersFile string `yaml:"starters_file"`

	Interval    time.Duration `yaml:"-"`
	QuietWindow time.Duration `yaml:"-"`

	IntervalRaw    string `yaml:"interval"`
	QuietWindowRaw string `yaml:"quiet_window"`
}

// CompletionConfig selects and configures the reply generator
type CompletionConfig struct {
	Provider      string   `yaml:"provider"` // openai, canned
	APIKey        string   `yaml:"api_key"`
	BaseURL       string   `yaml:"base_url"`
	Model         string   `yaml:"model"`
	MaxTokens     int      `yaml:"max_tokens"`
	CannedReplies []string `yaml:"canned_replies"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// ProtocolConfig selects the messaging network adapter
type ProtocolConfig struct {
	Driver string       `yaml:"driver"` // simnet, matrix
	Matrix MatrixConfig `yaml:"matrix"`
}

// MatrixConfig holds Matrix homeserver settings and per-connection accounts
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	// Accounts maps a connection name to the account it logs in with.
	Accounts map[string]MatrixAccount `yaml:"accounts"`
}

// MatrixAccount is a password login for one connection
type MatrixAccount struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Database: DatabaseConfig{Path: "switchboard.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Sessions: SessionsConfig{
			ReconnectDelay:   5 * time.Second,
			ConflictDelay:    30 * time.Second,
			QRExpiryDelay:    2 * time.Second,
			HandshakeTimeout: 45 * time.Second,
		},
		Router: RouterConfig{
			DedupeTTL:     60 * time.Second,
			SweepInterval: time.Minute,
		},
		Delivery: DeliveryConfig{
			MaxRetries:   3,
			ReadyTimeout: 10 * time.Second,
			PollInterval: 500 * time.Millisecond,
			BaseBackoff:  2 * time.Second,
		},
		Agents: AgentsConfig{
			PartInterval: 500 * time.Millisecond,
			TaskTimeout:  2 * time.Minute,
		},
		Autopilot: AutopilotConfig{
			Interval:    45 * time.Second,
			QuietWindow: 25 * time.Second,
		},
		Completion: CompletionConfig{
			Provider: "canned",
			Timeout:  30 * time.Second,
		},
		Protocol: ProtocolConfig{Driver: "simnet"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values missing from the file keep their defaults.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
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

// ResolvePath picks the config file location. An explicit flag wins, then
// SWITCHBOARD_CONFIG, then $XDG_CONFIG_HOME/coven/switchboard.yaml if that
// file exists. An empty result means run on defaults.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	path := filepath.Join(configDir, "coven", "switchboard.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative")
	}

	if c.Autopilot.Enabled && c.Autopilot.Interval <= 0 {
		return fmt.Errorf("autopilot.interval must be positive when autopilot is enabled")
	}

	switch c.Completion.Provider {
	case "canned":
	case "openai":
		if c.Completion.APIKey == "" {
			return fmt.Errorf("completion.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("completion.provider must be openai or canned (got %q)", c.Completion.Provider)
	}

	switch c.Protocol.Driver {
	case "simnet":
	case "matrix":
		if c.Protocol.Matrix.Homeserver == "" {
			return fmt.Errorf("protocol.matrix.homeserver is required for the matrix driver")
		}
	default:
		return fmt.Errorf("protocol.driver must be simnet or matrix (got %q)", c.Protocol.Driver)
	}

	return nil
}

// durationField pairs a raw YAML value with its parsed destination.
type durationField struct {
	key string
	raw string
	dst *time.Duration
}

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"sessions.reconnect_delay", c.Sessions.ReconnectDelayRaw, &c.Sessions.ReconnectDelay},
		{"sessions.conflict_delay", c.Sessions.ConflictDelayRaw, &c.Sessions.ConflictDelay},
		{"sessions.qr_expiry_delay", c.Sessions.QRExpiryDelayRaw, &c.Sessions.QRExpiryDelay},
		{"sessions.handshake_timeout", c.Sessions.HandshakeTimeoutRaw, &c.Sessions.HandshakeTimeout},
		{"router.dedupe_ttl", c.Router.DedupeTTLRaw, &c.Router.DedupeTTL},
		{"router.sweep_interval", c.Router.SweepIntervalRaw, &c.Router.SweepInterval},
		{"delivery.ready_timeout", c.Delivery.ReadyTimeoutRaw, &c.Delivery.ReadyTimeout},
		{"delivery.poll_interval", c.Delivery.PollIntervalRaw, &c.Delivery.PollInterval},
		{"delivery.base_backoff", c.Delivery.BaseBackoffRaw, &c.Delivery.BaseBackoff},
		{"agents.part_interval", c.Agents.PartIntervalRaw, &c.Agents.PartInterval},
		{"agents.task_timeout", c.Agents.TaskTimeoutRaw, &c.Agents.TaskTimeout},
		{"autopilot.interval", c.Autopilot.IntervalRaw, &c.Autopilot.Interval},
		{"autopilot.quiet_window", c.Autopilot.QuietWindowRaw, &c.Autopilot.QuietWindow},
		{"completion.timeout", c.Completion.TimeoutRaw, &c.Completion.Timeout},
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
// Empty strings leave the default in place.
func parseDurations(cfg *Config) error {
	for _, f := range cfg.durationFields() {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.key, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.key, f.raw)
		}
		*f.dst = d
	}
	return nil
}

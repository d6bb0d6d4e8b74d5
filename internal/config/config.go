// ABOUTME: Configuration loading and parsing for lane-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left empty in the config file.
const (
	DefaultLane           = "main"
	DefaultSessionPrefix  = "session:"
	DefaultWaitTimeout    = 30 * time.Second
	DefaultMaxWaitTimeout = 5 * time.Minute
	DefaultEngine         = "echo"
	DefaultReplyPrefix    = "[lane-gateway] "
	DefaultMetricsPath    = "/metrics"
	DefaultRateLimitBurst = 10
)

// Config represents the complete lane-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Lanes     LanesConfig     `yaml:"lanes" toml:"lanes"`
	Runs      RunsConfig      `yaml:"runs" toml:"runs"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses and request limits
type ServerConfig struct {
	HTTPAddr  string          `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr  string          `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables gRPC health
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig bounds submissions per client. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTPS with tailnet certs on :443
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel (implies HTTPS)
}

// DatabaseConfig holds the event ledger location. An empty path disables it.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LanesConfig names lanes and sets their concurrency caps
type LanesConfig struct {
	Default       string         `yaml:"default" toml:"default"`
	SessionPrefix string         `yaml:"session_prefix" toml:"session_prefix"`
	Concurrency   map[string]int `yaml:"concurrency" toml:"concurrency"`
}

// RunsConfig holds run waiting and idempotency settings
type RunsConfig struct {
	WaitTimeout        time.Duration `yaml:"-" toml:"-"`
	MaxWaitTimeout     time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL     time.Duration `yaml:"-" toml:"-"`
	IdempotencyMaxKeys int           `yaml:"idempotency_max_keys" toml:"idempotency_max_keys"`
	SynthesizeTerminal *bool         `yaml:"synthesize_terminal" toml:"synthesize_terminal"`

	// Raw string values for unmarshaling
	WaitTimeoutRaw    string `yaml:"wait_timeout" toml:"wait_timeout"`
	MaxWaitTimeoutRaw string `yaml:"max_wait_timeout" toml:"max_wait_timeout"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// AgentConfig selects and tunes the engine that executes runs
type AgentConfig struct {
	Engine      string        `yaml:"engine" toml:"engine"`
	Delay       time.Duration `yaml:"-" toml:"-"`
	DelayRaw    string        `yaml:"delay" toml:"delay"`
	ReplyPrefix string        `yaml:"reply_prefix" toml:"reply_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// SynthesizeTerminalEnabled reports whether the terminal guard is on. It
// defaults to true when the setting is absent.
func (r RunsConfig) SynthesizeTerminalEnabled() bool {
	return r.SynthesizeTerminal == nil || *r.SynthesizeTerminal
}

// DefaultPath returns the config path from LANE_GATEWAY_CONFIG, falling back
// to $XDG_CONFIG_HOME/lane-gateway/gateway.yaml (~/.config when unset).
func DefaultPath() string {
	if p := os.Getenv("LANE_GATEWAY_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "lane-gateway", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = FormatTOML
	}
	return Parse(data, format)
}

// Format identifies a config file syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// Parse decodes, defaults, and validates raw config content.
func Parse(data []byte, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployments move the ledger without editing the file.
func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("LANE_GATEWAY_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Lanes.Default = strings.TrimSpace(c.Lanes.Default); c.Lanes.Default == "" {
		c.Lanes.Default = DefaultLane
	}
	if c.Lanes.SessionPrefix == "" {
		c.Lanes.SessionPrefix = DefaultSessionPrefix
	}
	if len(c.Lanes.Concurrency) == 0 {
		c.Lanes.Concurrency = map[string]int{"main": 4, "subagent": 8}
	}
	if c.Runs.WaitTimeout == 0 {
		c.Runs.WaitTimeout = DefaultWaitTimeout
	}
	if c.Runs.MaxWaitTimeout == 0 {
		c.Runs.MaxWaitTimeout = DefaultMaxWaitTimeout
	}
	if c.Agent.Engine == "" {
		c.Agent.Engine = DefaultEngine
	}
	if c.Agent.ReplyPrefix == "" {
		c.Agent.ReplyPrefix = DefaultReplyPrefix
	}
	if c.Server.RateLimit.RequestsPerMinute > 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listeners
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	for name, n := range c.Lanes.Concurrency {
		if strings.TrimSpace(name) == "" {
			return errors.New("lanes.concurrency has an empty lane name")
		}
		if n < 1 {
			return fmt.Errorf("lanes.concurrency.%s must be at least 1, got %d", name, n)
		}
	}
	if strings.TrimSpace(c.Lanes.SessionPrefix) == "" {
		return errors.New("lanes.session_prefix must not be blank")
	}

	if c.Runs.WaitTimeout < 0 || c.Runs.MaxWaitTimeout < 0 || c.Runs.IdempotencyTTL < 0 {
		return errors.New("runs durations must not be negative")
	}
	if c.Runs.MaxWaitTimeout < c.Runs.WaitTimeout {
		return fmt.Errorf("runs.max_wait_timeout (%s) must be at least runs.wait_timeout (%s)",
			c.Runs.MaxWaitTimeout, c.Runs.WaitTimeout)
	}
	if c.Runs.IdempotencyMaxKeys < 0 {
		return errors.New("runs.idempotency_max_keys must not be negative")
	}

	if c.Agent.Delay < 0 {
		return errors.New("agent.delay must not be negative")
	}

	if c.Server.RateLimit.RequestsPerMinute < 0 || c.Server.RateLimit.Burst < 0 {
		return errors.New("server.rate_limit values must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
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
		{"runs.wait_timeout", cfg.Runs.WaitTimeoutRaw, &cfg.Runs.WaitTimeout},
		{"runs.max_wait_timeout", cfg.Runs.MaxWaitTimeoutRaw, &cfg.Runs.MaxWaitTimeout},
		{"runs.idempotency_ttl", cfg.Runs.IdempotencyTTLRaw, &cfg.Runs.IdempotencyTTL},
		{"agent.delay", cfg.Agent.DelayRaw, &cfg.Agent.Delay},
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

// Package config handles loading and validating server configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root server configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Auth      AuthConfig       `yaml:"auth"`
	UDP       UDPConfig        `yaml:"udp"`
	Keepalive KeepaliveConfig  `yaml:"keepalive"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// ServerConfig defines process-wide settings.
type ServerConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MaxTunnels caps concurrent tunnels across all listeners.
	// Zero means unlimited.
	MaxTunnels int `yaml:"max_tunnels"`
}

// TLSConfig defines certificate paths for a listener.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// ListenerConfig defines a client-facing tunnel listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // tls, ws, quic
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"` // ws only
	TLS       TLSConfig `yaml:"tls"`
	PlainText bool      `yaml:"plaintext"` // ws only, behind a terminating proxy
}

// AuthConfig defines tunnel handshake authentication.
type AuthConfig struct {
	Required   bool   `yaml:"required"`
	SecretHash string `yaml:"secret_hash"` // bcrypt hash of the shared secret
}

// UDPConfig defines per-tunnel UDP flow limits.
type UDPConfig struct {
	MaxFlowsPerTunnel int           `yaml:"max_flows_per_tunnel"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	RateLimit         string        `yaml:"rate_limit"` // e.g. "10MiB", empty = unlimited
}

// KeepaliveConfig defines tunnel liveness probing.
type KeepaliveConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listeners: []ListenerConfig{},
		Auth: AuthConfig{
			Required: false,
		},
		UDP: UDPConfig{
			MaxFlowsPerTunnel: 1000,
			IdleTimeout:       2 * time.Minute,
		},
		Keepalive: KeepaliveConfig{
			Interval: 30 * time.Second,
			Timeout:  90 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}
	if c.Server.MaxTunnels < 0 {
		errs = append(errs, "server.max_tunnels must not be negative")
	}

	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}

	if c.Auth.Required && c.Auth.SecretHash == "" {
		errs = append(errs, "auth.secret_hash is required when auth is enabled")
	}

	if c.UDP.MaxFlowsPerTunnel < 1 {
		errs = append(errs, "udp.max_flows_per_tunnel must be positive")
	}
	if c.UDP.IdleTimeout < time.Second {
		errs = append(errs, "udp.idle_timeout must be at least 1s")
	}
	if c.UDP.RateLimit != "" {
		if _, err := ParseSize(c.UDP.RateLimit); err != nil {
			errs = append(errs, fmt.Sprintf("udp.rate_limit: %v", err))
		}
	}

	if c.Keepalive.Interval > 0 && c.Keepalive.Timeout <= c.Keepalive.Interval {
		errs = append(errs, "keepalive.timeout must be greater than keepalive.interval")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// RateLimitBytes returns the configured rate limit in bytes per second,
// or 0 when unlimited. Call only on a validated config.
func (c *Config) RateLimitBytes() int64 {
	if c.UDP.RateLimit == "" {
		return 0
	}
	n, err := ParseSize(c.UDP.RateLimit)
	if err != nil {
		return 0
	}
	return n
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tls", "ws", "quic":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tls, ws, or quic)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.Transport == "ws" && l.Path == "" {
		return fmt.Errorf("path is required for ws transport")
	}
	if l.PlainText && l.Transport != "ws" {
		return fmt.Errorf("plaintext is only valid for ws transport")
	}
	// Cert and key must come as a pair; neither means an ephemeral
	// self-signed certificate is generated at startup.
	if (l.TLS.Cert == "") != (l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return nil
}

// ParseSize parses a human-readable size string to bytes.
// Supported formats:
//   - Decimal units: 100B, 10KB, 1MB (1KB = 1000 bytes)
//   - Binary units: 10KiB, 1MiB (1KiB = 1024 bytes)
//   - Plain number: 1024 (interpreted as bytes)
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}

	return int64(bytes), nil
}

// FormatSize formats bytes as a human-readable size string using
// IEC binary units (KiB, MiB, GiB).
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Auth.SecretHash != "" {
		redacted.Auth.SecretHash = "[REDACTED]"
	}
	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = "[REDACTED]"
		}
	}

	return redacted
}

// String returns a YAML representation with sensitive values redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

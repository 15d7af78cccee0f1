// Package config provides configuration parsing and validation for stunwire.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stunwire configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	ICMP    ICMPConfig    `yaml:"icmp"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
	Chaos   ChaosConfig   `yaml:"chaos"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// EngineConfig contains the transaction engine timing parameters. The
// defaults follow RFC 5389 section 7.2.1 with Rc=7 and Rm=16.
type EngineConfig struct {
	InitialRTO      time.Duration `yaml:"initial_rto"`       // wait before the first retransmission
	MaxRTO          time.Duration `yaml:"max_rto"`           // cap for the doubling interval
	MaxRequests     int           `yaml:"max_requests"`      // total sends per transaction
	FinalWaitFactor float64       `yaml:"final_wait_factor"` // straggler wait after the last send
	RetentionTime   time.Duration `yaml:"retention_time"`    // server transaction replay window
	RetentionSize   int           `yaml:"retention_size"`    // server transaction store bound
}

// ServerConfig defines the Binding responder.
type ServerConfig struct {
	Enabled          bool            `yaml:"enabled"`
	Listen           []string        `yaml:"listen"`            // UDP listen addresses
	Software         string          `yaml:"software"`          // SOFTWARE attribute value, empty to omit
	Fingerprint      bool            `yaml:"fingerprint"`       // append FINGERPRINT to responses
	RequireIntegrity bool            `yaml:"require_integrity"` // reject unsigned requests with 400
	IntegrityKey     string          `yaml:"integrity_key"`     // short-term credential key for verification
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines per-source request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxSources        int     `yaml:"max_sources"` // limiter table bound
}

// ClientConfig defines address discovery defaults.
type ClientConfig struct {
	Servers      []string `yaml:"servers"`       // STUN servers to query
	LocalAddress string   `yaml:"local_address"` // optional "ip:port" bind, empty for ephemeral
}

// ICMPConfig defines the destination-unreachable watcher.
type ICMPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ChaosConfig defines datagram fault injection, off by default and meant
// for resilience testing only.
type ChaosConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DropRate      float64       `yaml:"drop_rate"`      // probability 0..1
	DuplicateRate float64       `yaml:"duplicate_rate"` // probability 0..1
	Delay         time.Duration `yaml:"delay"`          // fixed delay before delivery
	DelayJitter   time.Duration `yaml:"delay_jitter"`   // additional random delay
	Seed          int64         `yaml:"seed"`           // 0 = random
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			InitialRTO:      100 * time.Millisecond,
			MaxRTO:          1600 * time.Millisecond,
			MaxRequests:     7,
			FinalWaitFactor: 1.6,
			RetentionTime:   16 * time.Second,
			RetentionSize:   4096,
		},
		Server: ServerConfig{
			Enabled:  false,
			Listen:   []string{"0.0.0.0:3478"},
			Software: "stunwire",
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				Burst:             100,
				MaxSources:        8192,
			},
		},
		Client: ClientConfig{
			Servers: []string{},
		},
		ICMP: ICMPConfig{
			Enabled: true,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./stunwire.sock",
		},
		Chaos: ChaosConfig{
			Enabled: false,
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
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
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
		// Extract variable name
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

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Engine.InitialRTO <= 0 {
		errs = append(errs, "engine.initial_rto must be positive")
	}
	if c.Engine.MaxRTO < c.Engine.InitialRTO {
		errs = append(errs, "engine.max_rto must be >= initial_rto")
	}
	if c.Engine.MaxRequests < 1 {
		errs = append(errs, "engine.max_requests must be at least 1")
	}
	if c.Engine.FinalWaitFactor < 1.0 {
		errs = append(errs, "engine.final_wait_factor must be >= 1.0")
	}
	if c.Engine.RetentionTime <= 0 {
		errs = append(errs, "engine.retention_time must be positive")
	}
	if c.Engine.RetentionSize < 1 {
		errs = append(errs, "engine.retention_size must be at least 1")
	}

	if c.Server.Enabled {
		if len(c.Server.Listen) == 0 {
			errs = append(errs, "server.listen needs at least one address when enabled")
		}
		for i, addr := range c.Server.Listen {
			if !isValidHostPort(addr) {
				errs = append(errs, fmt.Sprintf("server.listen[%d]: invalid address: %s", i, addr))
			}
		}
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, "server.rate_limit.requests_per_second must be positive when enabled")
		}
		if c.Server.RateLimit.Burst < 1 {
			errs = append(errs, "server.rate_limit.burst must be at least 1 when enabled")
		}
	}

	for i, srv := range c.Client.Servers {
		if !isValidHostPort(srv) {
			errs = append(errs, fmt.Sprintf("client.servers[%d]: invalid address: %s", i, srv))
		}
	}
	if c.Client.LocalAddress != "" && !isValidHostPort(c.Client.LocalAddress) {
		errs = append(errs, fmt.Sprintf("client.local_address: invalid address: %s", c.Client.LocalAddress))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if c.Chaos.DropRate < 0 || c.Chaos.DropRate > 1 {
		errs = append(errs, "chaos.drop_rate must be between 0 and 1")
	}
	if c.Chaos.DuplicateRate < 0 || c.Chaos.DuplicateRate > 1 {
		errs = append(errs, "chaos.duplicate_rate must be between 0 and 1")
	}
	if c.Chaos.Delay < 0 {
		errs = append(errs, "chaos.delay must not be negative")
	}
	if c.Chaos.DelayJitter < 0 {
		errs = append(errs, "chaos.delay_jitter must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
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

// isValidHostPort accepts "host:port" with a numeric port, hostname or IP.
func isValidHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" || port == "" {
		return false
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return false
	}
	return true
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Server.IntegrityKey != "" {
		redacted.Server.IntegrityKey = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Server.IntegrityKey != ""
}

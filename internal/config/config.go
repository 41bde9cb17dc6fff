// Package config provides configuration parsing and validation for the
// tunnel client.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxStartupTimeMS bounds tunnel.minimum_lifetime at load time so a
// misconfigured value cannot hold the flapping watchdog off forever.
const MaxStartupTimeMS = 5 * 60 * 1000

// Config is the complete tunnel client configuration.
type Config struct {
	Tunnel    TunnelConfig  `yaml:"tunnel"`
	VerifySSL bool          `yaml:"verify_ssl"`
	SkipProxy bool          `yaml:"skip_proxy"`
	Broker    BrokerConfig  `yaml:"broker"`
	Log       LogConfig     `yaml:"log"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TunnelConfig holds tunnel-session level settings.
type TunnelConfig struct {
	// MinimumLifetime is the duration a tunnel must stay up before an
	// early stop is flagged as flapping by the registry watchdog.
	MinimumLifetime time.Duration `yaml:"minimum_lifetime"`

	// EnableIPv6 makes the run command bind its default local listen
	// address dual-stack ([::]:0) instead of 127.0.0.1:0. It does not
	// affect how the tunnel server is dialed.
	EnableIPv6 bool `yaml:"enable_ipv6"`
}

// BrokerConfig holds ticket-broker connection settings.
type BrokerConfig struct {
	// URL is the base broker endpoint, e.g. https://broker.example.com
	URL string `yaml:"url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds the Prometheus metrics endpoint settings.
type MetricsConfig struct {
	// Listen is the address for the metrics HTTP endpoint. Empty
	// disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			MinimumLifetime: 30 * time.Second,
			EnableIPv6:      false,
		},
		VerifySSL: true,
		SkipProxy: false,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Listen: "",
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

// envVarRegex matches ${VAR} or $VAR patterns.
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
		return match
	})
}

// Validate checks the configuration for errors, clamping out-of-range
// values that have a safe default rather than rejecting them outright.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Broker.URL != "" && !strings.HasPrefix(c.Broker.URL, "https://") && !strings.HasPrefix(c.Broker.URL, "http://") {
		errs = append(errs, "broker.url must start with http:// or https://")
	}

	if c.Tunnel.MinimumLifetime < 0 {
		errs = append(errs, "tunnel.minimum_lifetime must not be negative")
	}
	maxLifetime := MaxStartupTimeMS * time.Millisecond
	if c.Tunnel.MinimumLifetime > maxLifetime {
		c.Tunnel.MinimumLifetime = maxLifetime
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

// String returns a YAML representation of the config for debugging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

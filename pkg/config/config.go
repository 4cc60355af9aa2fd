// Package config provides configuration structures and loading logic for the
// flowlog tooling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/flowlog/pkg/domain"
)

// Config holds the global configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Emitter    EmitterConfig    `yaml:"emitter"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EmitterConfig names the channels the emitter writes to.
type EmitterConfig struct {
	InitChannel  string `yaml:"init_channel"`
	StageChannel string `yaml:"stage_channel"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// SimulationConfig drives the simulate command.
type SimulationConfig struct {
	Flows int `yaml:"flows"`
	// Compress envelopes with zstd before they go on the wire.
	Compress bool `yaml:"compress"`
	// FailEvery makes every n-th leaf stage raise; 0 disables failures.
	FailEvery int `yaml:"fail_every"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Address: ":9464",
			Path:    "/metrics",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "flowlog",
		},
		Simulation: SimulationConfig{
			Flows:    1,
			Compress: true,
		},
	}
}

// Load reads configuration from a file, expands environment variables and
// applies environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML into cfg after expanding ${VAR} references.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FLOWLOG_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("FLOWLOG_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("FLOWLOG_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
		cfg.Metrics.Enabled = true
	}

	if val := os.Getenv("FLOWLOG_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FLOWLOG_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("FLOWLOG_SIM_FLOWS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Simulation.Flows = n
		}
	}
}

// Validate performs validation of the entire configuration, normalizing
// values where a default applies.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Simulation.Validate(); err != nil {
		return fmt.Errorf("simulation configuration: %w", err)
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("%w: invalid log level %q", domain.ErrConfigInvalid, c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("%w: invalid log format %q", domain.ErrConfigInvalid, c.Format)
	}
	return nil
}

// Validate performs validation of metrics configuration
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("%w: metrics enabled without an address", domain.ErrConfigInvalid)
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: metrics path %q must start with /", domain.ErrConfigInvalid, c.Path)
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "flowlog"
	}
	return nil
}

// Validate performs validation of simulation configuration
func (c *SimulationConfig) Validate() error {
	if c.Flows < 0 {
		return fmt.Errorf("%w: negative flow count %d", domain.ErrConfigInvalid, c.Flows)
	}
	if c.FailEvery < 0 {
		return fmt.Errorf("%w: negative fail_every %d", domain.ErrConfigInvalid, c.FailEvery)
	}
	return nil
}

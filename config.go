package spanz

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig,
// e.g. SPANZ_BUFFER_MAX_BUFFERED_SPANS.
const EnvPrefix = "SPANZ"

// Config holds all tracer configuration.
type Config struct {
	Buffer  BufferConfig  `yaml:"buffer"`
	Tracker TrackerConfig `yaml:"tracker"`
	Span    SpanConfig    `yaml:"span"`
	Logging LogConfig     `yaml:"logging"`
	Sink    SinkConfig    `yaml:"sink"`
}

// BufferConfig holds transmission buffer configuration.
type BufferConfig struct {
	MaxBufferedSpans    int           `envconfig:"MAX_BUFFERED_SPANS" default:"1000" yaml:"maxBufferedSpans"`
	ForceFlushThreshold int           `envconfig:"FORCE_FLUSH_THRESHOLD" default:"500" yaml:"forceFlushThreshold"`
	FlushInterval       time.Duration `envconfig:"FLUSH_INTERVAL" default:"1s" yaml:"flushInterval"`
}

// TrackerConfig holds async execution tracker configuration.
type TrackerConfig struct {
	SimulatedUnitTimeout time.Duration `envconfig:"SIMULATED_UNIT_TIMEOUT" default:"60s" yaml:"simulatedUnitTimeout"`
}

// SpanConfig holds span creation configuration.
type SpanConfig struct {
	StackTraceLength int `envconfig:"STACK_TRACE_LENGTH" default:"10" yaml:"stackTraceLength"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"DEV" default:"false" yaml:"development"`
}

// SinkConfig holds configuration for the OTLP/HTTP sink.
type SinkConfig struct {
	Endpoint    string        `envconfig:"ENDPOINT" default:"http://localhost:4318/v1/traces" yaml:"endpoint"`
	ServiceName string        `envconfig:"SERVICE_NAME" default:"unknown_service" yaml:"serviceName"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"5s" yaml:"timeout"`
	RetryMax    int           `envconfig:"RETRY_MAX" default:"1" yaml:"retryMax"`
	Compression bool          `envconfig:"COMPRESSION" default:"true" yaml:"compression"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigOrDefault loads configuration from environment or returns default.
func LoadConfigOrDefault() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// LoadConfigFile loads environment configuration and overlays the YAML file
// at path on top of it. Keys absent from the file keep their env/default value.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Buffer: BufferConfig{
			MaxBufferedSpans:    1000,
			ForceFlushThreshold: 500,
			FlushInterval:       time.Second,
		},
		Tracker: TrackerConfig{
			SimulatedUnitTimeout: 60 * time.Second,
		},
		Span: SpanConfig{
			StackTraceLength: 10,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Sink: SinkConfig{
			Endpoint:    "http://localhost:4318/v1/traces",
			ServiceName: "unknown_service",
			Timeout:     5 * time.Second,
			RetryMax:    1,
			Compression: true,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Buffer.MaxBufferedSpans <= 0 {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "buffer.maxBufferedSpans must be > 0, got %d", c.Buffer.MaxBufferedSpans))
	}
	if c.Buffer.ForceFlushThreshold <= 0 {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "buffer.forceFlushThreshold must be > 0, got %d", c.Buffer.ForceFlushThreshold))
	}
	if c.Buffer.FlushInterval <= 0 {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "buffer.flushInterval must be > 0, got %s", c.Buffer.FlushInterval))
	}
	if c.Tracker.SimulatedUnitTimeout <= 0 {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "tracker.simulatedUnitTimeout must be > 0, got %s", c.Tracker.SimulatedUnitTimeout))
	}
	if c.Span.StackTraceLength < 0 {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "span.stackTraceLength must be >= 0, got %d", c.Span.StackTraceLength))
	}
	if c.Sink.RetryMax < 0 {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidConfig, "sink.retryMax must be >= 0, got %d", c.Sink.RetryMax))
	}
	return err
}

// normalized returns a copy with invalid settings replaced by defaults.
// Tracing must come up even when misconfigured.
func (c *Config) normalized() Config {
	out := *c
	def := DefaultConfig()
	if out.Buffer.MaxBufferedSpans <= 0 {
		out.Buffer.MaxBufferedSpans = def.Buffer.MaxBufferedSpans
	}
	if out.Buffer.ForceFlushThreshold <= 0 {
		out.Buffer.ForceFlushThreshold = def.Buffer.ForceFlushThreshold
	}
	if out.Buffer.FlushInterval <= 0 {
		out.Buffer.FlushInterval = def.Buffer.FlushInterval
	}
	if out.Tracker.SimulatedUnitTimeout <= 0 {
		out.Tracker.SimulatedUnitTimeout = def.Tracker.SimulatedUnitTimeout
	}
	if out.Span.StackTraceLength < 0 {
		out.Span.StackTraceLength = 0
	}
	if out.Sink.RetryMax < 0 {
		out.Sink.RetryMax = 0
	}
	return out
}

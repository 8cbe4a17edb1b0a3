package reliability

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Levels selected through SPANZ_RELIABILITY_LEVEL.
const (
	levelBasic  = "basic"
	levelStress = "stress"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	Level         string        `envconfig:"LEVEL"`
	Duration      time.Duration `envconfig:"DURATION" default:"30s"`
	MaxGoroutines int           `envconfig:"MAX_GOROUTINES" default:"100"`
	SpansPerGo    int           `envconfig:"SPANS_PER_GOROUTINE" default:"1000"`
}

// getReliabilityConfig reads SPANZ_RELIABILITY_* environment variables.
func getReliabilityConfig(t *testing.T) ReliabilityConfig {
	t.Helper()
	var cfg ReliabilityConfig
	if err := envconfig.Process("SPANZ_RELIABILITY", &cfg); err != nil {
		t.Fatalf("reliability config: %v", err)
	}
	return cfg
}

// requireLevel skips the test unless the configured level is one of levels.
func requireLevel(t *testing.T, levels ...string) ReliabilityConfig {
	t.Helper()
	cfg := getReliabilityConfig(t)
	if cfg.Level == "" {
		t.Skip("SPANZ_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
	for _, level := range levels {
		if cfg.Level == level {
			return cfg
		}
	}
	t.Skipf("reliability level %q does not run this test", cfg.Level)
	return cfg
}

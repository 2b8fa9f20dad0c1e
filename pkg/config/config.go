// Package config provides the engine configuration for tabulify.
//
// The configuration is organized into logical sections:
//   - Engine: concurrency, row buffering and abort behaviour of the executor
//   - Timeouts: default step and connector-open timeouts
//   - Reliability: default retry policy for transient connector failures
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.NewEngineConfig()
//	cfg.Engine.MaxConcurrency = 8
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// EngineConfig is the top level configuration of the engine and the CLI.
type EngineConfig struct {
	// Engine settings control the executor
	Engine EngineSection `yaml:"engine" json:"engine" mapstructure:"engine"`

	// Timeouts define default timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts" mapstructure:"timeouts"`

	// Reliability settings for retrying transient failures
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability" mapstructure:"reliability"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// EngineSection contains executor settings.
type EngineSection struct {
	// MaxConcurrency bounds the number of nodes running at once
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" mapstructure:"max_concurrency"`
	// BufferSize is the number of rows in flight between a reader and its writer
	BufferSize int `yaml:"buffer_size" json:"buffer_size" mapstructure:"buffer_size"`
	// BatchSize is the default write batch size handed to connectors
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	// CancelRunningOnAbort cancels running nodes when a run aborts
	CancelRunningOnAbort bool `yaml:"cancel_running_on_abort" json:"cancel_running_on_abort" mapstructure:"cancel_running_on_abort"`
}

// TimeoutConfig contains all timeout-related settings.
type TimeoutConfig struct {
	// Step is the default per-step timeout (0 = none)
	Step time.Duration `yaml:"step" json:"step" mapstructure:"step"`
	// Connection bounds connector Open
	Connection time.Duration `yaml:"connection" json:"connection" mapstructure:"connection"`
	// Run bounds a whole run (0 = none)
	Run time.Duration `yaml:"run" json:"run" mapstructure:"run"`
}

// ReliabilityConfig contains the default retry policy.
type ReliabilityConfig struct {
	// RetryAttempts is the total number of attempts for a step
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier" mapstructure:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" mapstructure:"max_retry_delay"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	// EnableMetrics exposes prometheus metrics on MetricsAddr
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	// MetricsAddr is the listen address of the metrics endpoint
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// EnableTracing activates span export
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// NewEngineConfig creates an EngineConfig with defaults suitable for local runs.
func NewEngineConfig() *EngineConfig {
	return &EngineConfig{
		Engine: EngineSection{
			MaxConcurrency: runtime.NumCPU(),
			BufferSize:     1000,
			BatchSize:      500,
		},
		Timeouts: TimeoutConfig{
			Connection: 30 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      500 * time.Millisecond,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "console",
			MetricsAddr:       ":9464",
			TracingSampleRate: 1.0,
		},
	}
}

// Validate validates the configuration for correctness.
func (c *EngineConfig) Validate() error {
	if c.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.Engine.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	if c.Reliability.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be at least 1")
	}
	if c.Timeouts.Step < 0 || c.Timeouts.Run < 0 || c.Timeouts.Connection < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("tracing_sample_rate must be between 0 and 1")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides read by LoadWithViper.
const EnvPrefix = "TABULIFY"

// Load loads a configuration from a YAML file
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return Unmarshal(data, config)
}

// Unmarshal parses YAML after ${VAR} substitution from the environment.
func Unmarshal(data []byte, config interface{}) error {
	content := SubstituteVars(string(data), os.LookupEnv)
	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadWithViper reads the engine configuration from an optional file and
// TABULIFY_* environment variables, on top of NewEngineConfig defaults.
// TABULIFY_ENGINE_MAX_CONCURRENCY overrides engine.max_concurrency.
func LoadWithViper(v *viper.Viper, filePath string) (*EngineConfig, error) {
	cfg := NewEngineConfig()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v, cfg)

	if filePath != "" {
		v.SetConfigFile(filePath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setViperDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func setViperDefaults(v *viper.Viper, cfg *EngineConfig) {
	v.SetDefault("engine.max_concurrency", cfg.Engine.MaxConcurrency)
	v.SetDefault("engine.buffer_size", cfg.Engine.BufferSize)
	v.SetDefault("engine.batch_size", cfg.Engine.BatchSize)
	v.SetDefault("engine.cancel_running_on_abort", cfg.Engine.CancelRunningOnAbort)
	v.SetDefault("timeouts.step", cfg.Timeouts.Step)
	v.SetDefault("timeouts.connection", cfg.Timeouts.Connection)
	v.SetDefault("timeouts.run", cfg.Timeouts.Run)
	v.SetDefault("reliability.retry_attempts", cfg.Reliability.RetryAttempts)
	v.SetDefault("reliability.retry_delay", cfg.Reliability.RetryDelay)
	v.SetDefault("reliability.retry_multiplier", cfg.Reliability.RetryMultiplier)
	v.SetDefault("reliability.max_retry_delay", cfg.Reliability.MaxRetryDelay)
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", cfg.Observability.LogEncoding)
	v.SetDefault("observability.enable_metrics", cfg.Observability.EnableMetrics)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
	v.SetDefault("observability.enable_tracing", cfg.Observability.EnableTracing)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
}

// SubstituteVars replaces ${NAME} with the value returned by lookup.
// Placeholders lookup does not know are left as they are, so later passes
// (template parameters) can still resolve them.
func SubstituteVars(content string, lookup func(string) (string, bool)) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name := content[start+2 : end]
		b.WriteString(content[:start])
		if value, ok := lookup(name); ok {
			b.WriteString(value)
		} else {
			b.WriteString(content[start : end+1])
		}
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}

// Placeholders returns the distinct ${NAME} names found in content.
func Placeholders(content string) []string {
	var names []string
	seen := map[string]bool{}
	SubstituteVars(content, func(name string) (string, bool) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return "", false
	})
	return names
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EngineConfig)
		wantErr string
	}{
		{"defaults", func(*EngineConfig) {}, ""},
		{"zero concurrency", func(c *EngineConfig) { c.Engine.MaxConcurrency = 0 }, "max_concurrency must be positive"},
		{"zero batch", func(c *EngineConfig) { c.Engine.BatchSize = 0 }, "batch_size must be positive"},
		{"no attempts", func(c *EngineConfig) { c.Reliability.RetryAttempts = 0 }, "retry_attempts must be at least 1"},
		{"shrinking backoff", func(c *EngineConfig) { c.Reliability.RetryMultiplier = 0.5 }, "retry_multiplier must be at least 1"},
		{"negative timeout", func(c *EngineConfig) { c.Timeouts.Step = -time.Second }, "timeouts cannot be negative"},
		{"sample rate", func(c *EngineConfig) { c.Observability.TracingSampleRate = 2 }, "tracing_sample_rate must be between 0 and 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewEngineConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestLoadSubstitutesEnvironment(t *testing.T) {
	t.Setenv("TABULIFY_TEST_CONCURRENCY", "7")

	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_concurrency: ${TABULIFY_TEST_CONCURRENCY}
  buffer_size: 64
  batch_size: 10
reliability:
  retry_attempts: 5
  retry_delay: 250ms
  retry_multiplier: 2
`), 0o600))

	cfg := NewEngineConfig()
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, 7, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 64, cfg.Engine.BufferSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Reliability.RetryDelay)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
}

func TestLoadWithViperEnvOverride(t *testing.T) {
	t.Setenv("TABULIFY_ENGINE_BUFFER_SIZE", "32")

	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrency: 3\n"), 0o600))

	cfg, err := LoadWithViper(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 32, cfg.Engine.BufferSize)
	assert.Equal(t, 3, cfg.Reliability.RetryAttempts)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := NewEngineConfig()
	cfg.Engine.MaxConcurrency = 2
	require.NoError(t, Save(path, cfg))

	loaded := &EngineConfig{}
	require.NoError(t, Load(path, loaded))
	assert.Equal(t, cfg.Engine, loaded.Engine)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Placeholders("${a}-${b}-${a}"))
	assert.Empty(t, Placeholders("nothing here"))
}

func TestDecodeOptions(t *testing.T) {
	cfg := NewFileConnectorConfig()
	err := DecodeOptions(map[string]interface{}{
		"path":        "/tmp/x",
		"compression": "zstd",
		"max_sessions": 2,
	}, cfg)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x", cfg.Path)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, 2, cfg.MaxSessions)
	assert.Equal(t, ",", cfg.Delimiter)
	assert.NoError(t, cfg.Validate())

	sqlCfg := NewSQLConnectorConfig()
	require.NoError(t, DecodeOptions(map[string]interface{}{"dialect": "oracle", "dsn": "x"}, sqlCfg))
	assert.Error(t, sqlCfg.Validate())
}

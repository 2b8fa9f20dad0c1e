package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ConnectorConfig holds the settings every connector understands. Connector
// specific configurations embed it inline.
type ConnectorConfig struct {
	// MaxSessions caps concurrent sessions against the backend (0 = unbounded)
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
	// BatchSize is the number of rows per write batch
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// CommitEvery commits appended rows every N rows (0 = once at the end)
	CommitEvery int `yaml:"commit_every" json:"commit_every"`
}

// FileConnectorConfig configures directory backed connectors (csv, jsonl, arrow).
type FileConnectorConfig struct {
	ConnectorConfig `yaml:",inline" json:",inline"`

	// Path is the directory holding one file per table
	Path string `yaml:"path" json:"path"`
	// Compression is one of none, gzip, zstd, lz4, snappy, s2
	Compression string `yaml:"compression" json:"compression"`
	// Delimiter is the CSV field separator
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	// Header tells whether CSV files carry a header line
	Header bool `yaml:"header" json:"header"`
	// InferTypes samples rows to guess column types when no data definition exists
	InferTypes bool `yaml:"infer_types" json:"infer_types"`
	// SampleRows is the number of rows sampled by InferTypes
	SampleRows int `yaml:"sample_rows" json:"sample_rows"`
	// NullValue is the text written for NULL in text formats
	NullValue string `yaml:"null_value" json:"null_value"`
	// CreateDirs creates Path on open when missing
	CreateDirs bool `yaml:"create_dirs" json:"create_dirs"`
}

// SQLConnectorConfig configures the database/sql connector.
type SQLConnectorConfig struct {
	ConnectorConfig `yaml:",inline" json:",inline"`

	// Dialect is one of sqlite, postgres, mysql, sqlserver
	Dialect string `yaml:"dialect" json:"dialect"`
	// DSN is the driver connection string
	DSN string `yaml:"dsn" json:"dsn"`
	// Schema restricts catalog queries to one schema (postgres, sqlserver)
	Schema string `yaml:"schema" json:"schema"`
	// MaxOpenConns bounds the database/sql pool
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
}

// NewFileConnectorConfig returns file connector defaults.
func NewFileConnectorConfig() *FileConnectorConfig {
	return &FileConnectorConfig{
		ConnectorConfig: ConnectorConfig{BatchSize: 1000},
		Compression:     "none",
		Delimiter:       ",",
		Header:          true,
		SampleRows:      100,
		CreateDirs:      true,
	}
}

// NewSQLConnectorConfig returns sql connector defaults.
func NewSQLConnectorConfig() *SQLConnectorConfig {
	return &SQLConnectorConfig{
		ConnectorConfig: ConnectorConfig{BatchSize: 500, CommitEvery: 1000},
		Dialect:         "sqlite",
		MaxOpenConns:    8,
	}
}

// Validate checks the file connector settings.
func (c *FileConnectorConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if len([]rune(c.Delimiter)) != 1 {
		return fmt.Errorf("delimiter must be a single character")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// Validate checks the sql connector settings.
func (c *SQLConnectorConfig) Validate() error {
	switch c.Dialect {
	case "sqlite", "postgres", "mysql", "sqlserver":
	default:
		return fmt.Errorf("unsupported dialect %q", c.Dialect)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// DecodeOptions maps a loosely typed option map (as found in flow documents)
// onto a typed connector configuration already holding its defaults.
func DecodeOptions(options map[string]interface{}, out interface{}) error {
	if len(options) == 0 {
		return nil
	}
	data, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}
	return nil
}

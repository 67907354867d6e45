package config

import (
	"context"
	"time"
)

// Config is the complete engine configuration.
type Config struct {
	Engine     EngineConfig     `koanf:"engine"     validate:"required"`
	Cache      CacheConfig      `koanf:"cache"`
	Expression ExpressionConfig `koanf:"expression"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// EngineConfig controls dispatch behavior.
type EngineConfig struct {
	// Timeout bounds a whole Run. Zero disables it.
	Timeout time.Duration `koanf:"timeout"        validate:"min=0"             env:"FLOW_ENGINE_TIMEOUT"`
	// UntilInterval is the wait between until$ attempts when wait$ is absent.
	UntilInterval time.Duration `koanf:"until_interval" validate:"min=0"             env:"FLOW_ENGINE_UNTIL_INTERVAL"`
	Concurrency   int           `koanf:"concurrency"    validate:"min=1,max=10000"   env:"FLOW_ENGINE_CONCURRENCY"`
	Trace         bool          `koanf:"trace"                                       env:"FLOW_ENGINE_TRACE"`
}

// CacheConfig controls the action result cache.
type CacheConfig struct {
	Enabled      bool   `koanf:"enabled"       env:"FLOW_CACHE_ENABLED"`
	Size         int    `koanf:"size"          validate:"min=1" env:"FLOW_CACHE_SIZE"`
	SnapshotPath string `koanf:"snapshot_path" env:"FLOW_CACHE_SNAPSHOT_PATH"`
	Persist      bool   `koanf:"persist"       env:"FLOW_CACHE_PERSIST"`
}

// ExpressionConfig bounds the expression evaluator.
type ExpressionConfig struct {
	CostLimit uint64 `koanf:"cost_limit" validate:"min=1" env:"FLOW_EXPRESSION_COST_LIMIT"`
	CacheSize int64  `koanf:"cache_size" validate:"min=1" env:"FLOW_EXPRESSION_CACHE_SIZE"`
}

// MonitoringConfig controls the metrics endpoint and span export.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"FLOW_MONITORING_ENABLED"`
	Path    string `koanf:"path"    validate:"required,startswith=/" env:"FLOW_MONITORING_PATH"`
	Addr    string `koanf:"addr"    validate:"required"              env:"FLOW_MONITORING_ADDR"`
	Tracing bool   `koanf:"tracing" env:"FLOW_MONITORING_TRACING"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"  validate:"oneof=debug info warn error disabled" env:"FLOW_LOG_LEVEL"`
	JSON   bool   `koanf:"json"   env:"FLOW_LOG_JSON"`
	Source bool   `koanf:"source" env:"FLOW_LOG_SOURCE"`
}

// Service defines the configuration management service interface.
type Service interface {
	// Load loads configuration from the specified sources with precedence order.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks if the configuration meets all validation requirements.
	Validate(config *Config) error
	// GetSource returns the source type that provided a configuration key.
	GetSource(key string) SourceType
}

// Source defines the interface for configuration sources.
type Source interface {
	Load() (map[string]any, error)
	// Watch monitors the source for changes.
	Watch(ctx context.Context, callback func()) error
	Type() SourceType
	Close() error
}

// SourceType identifies the type of configuration source.
type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceDefault SourceType = "default"
)

// Metadata contains metadata about configuration sources.
type Metadata struct {
	Sources  map[string]SourceType `json:"sources"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Timeout:       0,
			UntilInterval: time.Second,
			Concurrency:   10,
		},
		Cache: CacheConfig{
			Enabled:      false,
			Size:         1000,
			SnapshotPath: ".flow/cache.snapshot",
		},
		Expression: ExpressionConfig{
			CostLimit: 1000,
			CacheSize: 1000,
		},
		Monitoring: MonitoringConfig{
			Path: "/metrics",
			Addr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

package config

import (
	"strings"
	"time"

	"github.com/marmos91/cnabflow/internal/bytesize"
	"github.com/marmos91/cnabflow/pkg/registry"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	cfg.Database.ApplyDefaults()
	applyBlobStoreDefaults(&cfg.BlobStore)
	applyRedisDefaults(&cfg.Redis)
	applyMetricsDefaults(&cfg.Metrics)
	applyPipelineDefaults(&cfg.Pipeline)

	// The engine reads blobs from the same bucket the intake writes to.
	if cfg.Pipeline.Engine.Bucket == "" {
		cfg.Pipeline.Engine.Bucket = cfg.BlobStore.Bucket
	}
	if cfg.Pipeline.Engine.MaxBytes == 0 {
		cfg.Pipeline.Engine.MaxBytes = cfg.Pipeline.MaxUploadSize.Int64()
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)
	// No need to set, zero value is false

	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	// Apply profiling defaults
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	// Enabled defaults to false (opt-in for profiling)
	// No need to set, zero value is false

	// Default endpoint is localhost:4040 (standard Pyroscope port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	// Default profile types include CPU, memory allocation, and goroutines
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyBlobStoreDefaults sets object store defaults.
func applyBlobStoreDefaults(cfg *BlobStoreConfig) {
	if cfg.Bucket == "" {
		cfg.Bucket = "cnab-uploads"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

// applyRedisDefaults sets Redis connection defaults.
func applyRedisDefaults(cfg *RedisConfig) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	// Stream and group names default inside the queue package.
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyPipelineDefaults sets pipeline defaults.
func applyPipelineDefaults(cfg *PipelineConfig) {
	if cfg.Mode == "" {
		cfg.Mode = ModeAsync
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = bytesize.MiB
	}

	hadConsumerID := cfg.Engine.ConsumerID != ""
	cfg.Engine.ApplyDefaults()
	if !hadConsumerID {
		// The consumer id is per-replica and generated at startup;
		// baking one into a saved config would alias replicas.
		cfg.Engine.ConsumerID = ""
	}

	cfg.Recovery.ApplyDefaults()
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Database: registry.Config{
			Type: registry.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

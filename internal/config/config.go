// Package config loads and validates ingestd's configuration tree. There
// is no package-level global: callers build a Config, validate it, and
// pass it down.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TSDBConfig configures the line-protocol HTTP writer.
type TSDBConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Org             string        `yaml:"org"`
	Bucket          string        `yaml:"bucket"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// ArchiveConfig configures the append-only JSONL archive store.
type ArchiveConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Dir              string `yaml:"dir"`
	Rotation         string `yaml:"rotation"` // "daily" or "hourly"
	MaxAgeDays       int    `yaml:"max_age_days"`
	CompressAfterDays int   `yaml:"compress_after_days"`
	Fsync            bool   `yaml:"fsync"`
}

// DedupConfig configures the fingerprint cache and reservation table.
type DedupConfig struct {
	Enabled               bool   `yaml:"enabled"`
	MaxSize               int    `yaml:"max_size"`
	TTLHours              int    `yaml:"ttl_hours"`
	ReservationTTLSec     int    `yaml:"reservation_ttl_sec"`
	PersistEnabled        bool   `yaml:"persist_enabled"`
	PersistPath           string `yaml:"persist_path"`
	CheckpointIntervalSec int    `yaml:"checkpoint_interval_sec"`
}

// BreakerConfig configures the circuit breaker guarding the TS writer.
type BreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	RecoveryTimeoutSec  int `yaml:"recovery_timeout_sec"`
	HalfOpenMax         int `yaml:"half_open_max"`
}

// LimiterConfig configures the optional token bucket pacing outbound writes.
type LimiterConfig struct {
	Enabled    bool    `yaml:"enabled"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// DLQConfig configures the SQLite-backed dead-letter queue.
type DLQConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	MaxEntries    int    `yaml:"max_entries"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRetries    int    `yaml:"max_retries"`
}

// HTTPConfig configures the ingest HTTP listener.
type HTTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	AuthToken      string `yaml:"auth_token"`
	MaxRequestSize int64  `yaml:"max_request_size"`
}

// PipelineConfig configures the orchestrator's bounded queue and worker pool.
type PipelineConfig struct {
	QueueSize          int `yaml:"queue_size"`
	Workers            int `yaml:"workers"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// BusConfig configures the optional NATS event forwarding sidecar.
type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// AppConfig configures process-wide ambient concerns.
type AppConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // "json" or "console"
	DefaultSource  string `yaml:"default_source"`
	MetricsPort    int    `yaml:"metrics_port"`
}

// TracingConfig configures OTel export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full, validated configuration tree for ingestd.
type Config struct {
	App      AppConfig      `yaml:"app"`
	HTTP     HTTPConfig     `yaml:"http"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Dedup    DedupConfig    `yaml:"dedup"`
	DLQ      DLQConfig      `yaml:"dlq"`
	TSDB     TSDBConfig     `yaml:"tsdb"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Bus      BusConfig      `yaml:"bus"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// Default returns a Config populated with the same defaults the original
// ingestion service ships with, before env/file overrides are applied.
func Default() Config {
	return Config{
		App: AppConfig{
			LogLevel:      "INFO",
			LogFormat:     "json",
			DefaultSource: "unknown",
			MetricsPort:   9464,
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8088,
			MaxRequestSize: 10 * 1024 * 1024,
		},
		Archive: ArchiveConfig{
			Enabled:           true,
			Dir:               "./data/archive",
			Rotation:          "daily",
			MaxAgeDays:        30,
			CompressAfterDays: 7,
			Fsync:             false,
		},
		Dedup: DedupConfig{
			Enabled:               true,
			MaxSize:               100_000,
			TTLHours:              24,
			ReservationTTLSec:     120,
			PersistEnabled:        false,
			PersistPath:           "./data/dedup.db",
			CheckpointIntervalSec: 300,
		},
		DLQ: DLQConfig{
			Enabled:       true,
			DBPath:        "./data/dlq.db",
			MaxEntries:    10_000,
			RetentionDays: 30,
			MaxRetries:    3,
		},
		TSDB: TSDBConfig{
			URL:           "http://localhost:8086",
			Org:           "health",
			Bucket:        "metrics",
			BatchSize:     500,
			FlushInterval: 5 * time.Second,
		},
		Pipeline: PipelineConfig{
			QueueSize:          1000,
			Workers:            4,
			ShutdownTimeoutSec: 10,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			RecoveryTimeoutSec: 30,
			HalfOpenMax:        1,
		},
		Limiter: LimiterConfig{
			Enabled:    false,
			RatePerSec: 100,
			Burst:      200,
		},
		Bus: BusConfig{
			Enabled: false,
			Subject: "health.ingest.points",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ingestd",
		},
	}
}

// LoadFile reads a YAML file on top of Default, then overlays environment
// variables, then validates. path may be empty, in which case only the
// environment is applied.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.App.LogLevel = envOr("APP_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = envOr("APP_LOG_FORMAT", cfg.App.LogFormat)
	cfg.App.DefaultSource = envOr("APP_DEFAULT_SOURCE", cfg.App.DefaultSource)
	cfg.App.MetricsPort = envOrInt("APP_METRICS_PORT", cfg.App.MetricsPort)

	cfg.HTTP.Enabled = envOrBool("HTTP_ENABLED", cfg.HTTP.Enabled)
	cfg.HTTP.Host = envOr("HTTP_HOST", cfg.HTTP.Host)
	cfg.HTTP.Port = envOrInt("HTTP_PORT", cfg.HTTP.Port)
	cfg.HTTP.AuthToken = envOr("HTTP_AUTH_TOKEN", cfg.HTTP.AuthToken)
	cfg.HTTP.MaxRequestSize = envOrInt64("HTTP_MAX_REQUEST_SIZE", cfg.HTTP.MaxRequestSize)

	cfg.Archive.Enabled = envOrBool("ARCHIVE_ENABLED", cfg.Archive.Enabled)
	cfg.Archive.Dir = envOr("ARCHIVE_DIR", cfg.Archive.Dir)
	cfg.Archive.Rotation = envOr("ARCHIVE_ROTATION", cfg.Archive.Rotation)
	cfg.Archive.MaxAgeDays = envOrInt("ARCHIVE_MAX_AGE_DAYS", cfg.Archive.MaxAgeDays)
	cfg.Archive.CompressAfterDays = envOrInt("ARCHIVE_COMPRESS_AFTER_DAYS", cfg.Archive.CompressAfterDays)
	cfg.Archive.Fsync = envOrBool("ARCHIVE_FSYNC", cfg.Archive.Fsync)

	cfg.Dedup.Enabled = envOrBool("DEDUP_ENABLED", cfg.Dedup.Enabled)
	cfg.Dedup.MaxSize = envOrInt("DEDUP_MAX_SIZE", cfg.Dedup.MaxSize)
	cfg.Dedup.TTLHours = envOrInt("DEDUP_TTL_HOURS", cfg.Dedup.TTLHours)
	cfg.Dedup.ReservationTTLSec = envOrInt("DEDUP_RESERVATION_TTL_SEC", cfg.Dedup.ReservationTTLSec)
	cfg.Dedup.PersistEnabled = envOrBool("DEDUP_PERSIST_ENABLED", cfg.Dedup.PersistEnabled)
	cfg.Dedup.PersistPath = envOr("DEDUP_PERSIST_PATH", cfg.Dedup.PersistPath)
	cfg.Dedup.CheckpointIntervalSec = envOrInt("DEDUP_CHECKPOINT_INTERVAL_SEC", cfg.Dedup.CheckpointIntervalSec)

	cfg.DLQ.Enabled = envOrBool("DLQ_ENABLED", cfg.DLQ.Enabled)
	cfg.DLQ.DBPath = envOr("DLQ_DB_PATH", cfg.DLQ.DBPath)
	cfg.DLQ.MaxEntries = envOrInt("DLQ_MAX_ENTRIES", cfg.DLQ.MaxEntries)
	cfg.DLQ.RetentionDays = envOrInt("DLQ_RETENTION_DAYS", cfg.DLQ.RetentionDays)
	cfg.DLQ.MaxRetries = envOrInt("DLQ_MAX_RETRIES", cfg.DLQ.MaxRetries)

	cfg.TSDB.URL = envOr("TSDB_URL", cfg.TSDB.URL)
	cfg.TSDB.Token = envOr("TSDB_TOKEN", cfg.TSDB.Token)
	cfg.TSDB.Org = envOr("TSDB_ORG", cfg.TSDB.Org)
	cfg.TSDB.Bucket = envOr("TSDB_BUCKET", cfg.TSDB.Bucket)
	cfg.TSDB.BatchSize = envOrInt("TSDB_BATCH_SIZE", cfg.TSDB.BatchSize)
	cfg.TSDB.FlushInterval = envOrDuration("TSDB_FLUSH_INTERVAL_MS", cfg.TSDB.FlushInterval)

	cfg.Pipeline.QueueSize = envOrInt("PIPELINE_QUEUE_SIZE", cfg.Pipeline.QueueSize)
	cfg.Pipeline.Workers = envOrInt("PIPELINE_WORKERS", cfg.Pipeline.Workers)
	cfg.Pipeline.ShutdownTimeoutSec = envOrInt("PIPELINE_SHUTDOWN_TIMEOUT_SEC", cfg.Pipeline.ShutdownTimeoutSec)

	cfg.Breaker.FailureThreshold = envOrInt("BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.RecoveryTimeoutSec = envOrInt("BREAKER_RECOVERY_TIMEOUT_SEC", cfg.Breaker.RecoveryTimeoutSec)
	cfg.Breaker.HalfOpenMax = envOrInt("BREAKER_HALF_OPEN_MAX", cfg.Breaker.HalfOpenMax)

	cfg.Limiter.Enabled = envOrBool("LIMITER_ENABLED", cfg.Limiter.Enabled)
	cfg.Limiter.RatePerSec = envOrFloat64("LIMITER_RATE_PER_SEC", cfg.Limiter.RatePerSec)
	cfg.Limiter.Burst = envOrInt("LIMITER_BURST", cfg.Limiter.Burst)

	cfg.Bus.Enabled = envOrBool("BUS_ENABLED", cfg.Bus.Enabled)
	cfg.Bus.URL = envOr("BUS_URL", cfg.Bus.URL)
	cfg.Bus.Subject = envOr("BUS_SUBJECT", cfg.Bus.Subject)

	cfg.Tracing.Enabled = envOrBool("OTEL_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = envOr("OTEL_SERVICE_NAME", cfg.Tracing.ServiceName)
}

// Validate enforces the same field bounds the original settings classes
// validated at construction time.
func Validate(cfg *Config) error {
	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range [1,65535]: %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.MaxRequestSize < 1024 || cfg.HTTP.MaxRequestSize > 100*1024*1024 {
		return fmt.Errorf("http.max_request_size out of range [1KB,100MB]: %d", cfg.HTTP.MaxRequestSize)
	}
	if cfg.Archive.Rotation != "daily" && cfg.Archive.Rotation != "hourly" {
		return fmt.Errorf("archive.rotation must be daily or hourly: %q", cfg.Archive.Rotation)
	}
	if cfg.Archive.MaxAgeDays < 1 {
		return fmt.Errorf("archive.max_age_days must be >= 1: %d", cfg.Archive.MaxAgeDays)
	}
	if cfg.Archive.CompressAfterDays < 1 {
		return fmt.Errorf("archive.compress_after_days must be >= 1: %d", cfg.Archive.CompressAfterDays)
	}
	if cfg.Dedup.MaxSize < 100 || cfg.Dedup.MaxSize > 10_000_000 {
		return fmt.Errorf("dedup.max_size out of range [100,10000000]: %d", cfg.Dedup.MaxSize)
	}
	if cfg.Dedup.TTLHours < 1 {
		return fmt.Errorf("dedup.ttl_hours must be >= 1: %d", cfg.Dedup.TTLHours)
	}
	if cfg.Dedup.ReservationTTLSec < 60 || cfg.Dedup.ReservationTTLSec > 300 {
		return fmt.Errorf("dedup.reservation_ttl_sec out of range [60,300]: %d", cfg.Dedup.ReservationTTLSec)
	}
	if cfg.DLQ.MaxEntries < 100 {
		return fmt.Errorf("dlq.max_entries must be >= 100: %d", cfg.DLQ.MaxEntries)
	}
	if cfg.DLQ.RetentionDays < 1 {
		return fmt.Errorf("dlq.retention_days must be >= 1: %d", cfg.DLQ.RetentionDays)
	}
	if cfg.DLQ.MaxRetries < 1 || cfg.DLQ.MaxRetries > 10 {
		return fmt.Errorf("dlq.max_retries out of range [1,10]: %d", cfg.DLQ.MaxRetries)
	}
	if cfg.TSDB.BatchSize < 1 || cfg.TSDB.BatchSize > 50_000 {
		return fmt.Errorf("tsdb.batch_size out of range [1,50000]: %d", cfg.TSDB.BatchSize)
	}
	if cfg.TSDB.FlushInterval < 100*time.Millisecond {
		return fmt.Errorf("tsdb.flush_interval must be >= 100ms: %s", cfg.TSDB.FlushInterval)
	}
	if cfg.App.MetricsPort < 1 || cfg.App.MetricsPort > 65535 {
		return fmt.Errorf("app.metrics_port out of range [1,65535]: %d", cfg.App.MetricsPort)
	}
	switch cfg.App.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("app.log_level invalid: %q", cfg.App.LogLevel)
	}
	if cfg.App.LogFormat != "json" && cfg.App.LogFormat != "console" {
		return fmt.Errorf("app.log_format must be json or console: %q", cfg.App.LogFormat)
	}
	if cfg.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline.queue_size must be >= 1: %d", cfg.Pipeline.QueueSize)
	}
	if cfg.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1: %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.ShutdownTimeoutSec < 1 {
		return fmt.Errorf("pipeline.shutdown_timeout_sec must be >= 1: %d", cfg.Pipeline.ShutdownTimeoutSec)
	}
	if cfg.Dedup.CheckpointIntervalSec < 1 {
		return fmt.Errorf("dedup.checkpoint_interval_sec must be >= 1: %d", cfg.Dedup.CheckpointIntervalSec)
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1: %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeoutSec < 1 {
		return fmt.Errorf("breaker.recovery_timeout_sec must be >= 1: %d", cfg.Breaker.RecoveryTimeoutSec)
	}
	if cfg.Breaker.HalfOpenMax < 1 {
		return fmt.Errorf("breaker.half_open_max must be >= 1: %d", cfg.Breaker.HalfOpenMax)
	}
	if cfg.Limiter.Enabled {
		if cfg.Limiter.RatePerSec <= 0 {
			return fmt.Errorf("limiter.rate_per_sec must be > 0 when enabled: %f", cfg.Limiter.RatePerSec)
		}
		if cfg.Limiter.Burst < 1 {
			return fmt.Errorf("limiter.burst must be >= 1 when enabled: %d", cfg.Limiter.Burst)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrFloat64(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

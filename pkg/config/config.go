package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/beacon/pkg/capture"
	"github.com/platinummonkey/beacon/pkg/middleware"
	"github.com/platinummonkey/beacon/pkg/observability"
	"github.com/platinummonkey/beacon/pkg/retention"
	"github.com/platinummonkey/beacon/pkg/rollup"
	"github.com/platinummonkey/beacon/pkg/storage/postgres"
	"github.com/platinummonkey/beacon/pkg/storage/redisstore"
)

// EnvPrefix is prepended to every variable name
const EnvPrefix = "BEACON_"

// Archive sinks accepted by BEACON_RETENTION_SINK
const (
	SinkNone = "none"
	SinkFile = "file"
	SinkS3   = "s3"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig  `envPrefix:"POSTGRES_"`
	Redis         RedisConfig     `envPrefix:"REDIS_"`
	Capture       CaptureConfig   `envPrefix:"CAPTURE_"`
	Analytics     AnalyticsConfig `envPrefix:"ANALYTICS_"`
	Retention     RetentionConfig `envPrefix:"RETENTION_"`
	Rollup        RollupConfig    `envPrefix:"ROLLUP_"`
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// HealthPort serves probes and /metrics on a separate listener. Empty
	// keeps them on the main port.
	HealthPort string `env:"HEALTH_PORT"`

	// DedupeSize is how many recently ingested ids are remembered
	DedupeSize int    `env:"DEDUPE_SIZE" envDefault:"100000"`
	Version    string `env:"VERSION" envDefault:"dev"`

	// IngestRateLimit is ingestion requests per window per caller; 0 disables
	IngestRateLimit  int           `env:"INGEST_RATE_LIMIT"`
	IngestRateBurst  int           `env:"INGEST_RATE_BURST" envDefault:"60"`
	IngestRateWindow time.Duration `env:"INGEST_RATE_WINDOW" envDefault:"1m"`
}

// Addr is the main listen address
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// RateLimit converts the ingestion limit settings
func (c ServerConfig) RateLimit() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		RequestsPerWindow: c.IngestRateLimit,
		WindowDuration:    c.IngestRateWindow,
		BurstSize:         c.IngestRateBurst,
	}
}

// DatabaseConfig holds PostgreSQL settings. An empty URL runs the pipeline on
// the in-memory store.
type DatabaseConfig struct {
	URL             string        `env:"URL"`
	ReplicaURLs     []string      `env:"REPLICA_URLS"`
	MaxConns        int           `env:"MAX_CONNS" envDefault:"20"`
	MinConns        int           `env:"MIN_CONNS" envDefault:"2"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxLifetime     time.Duration `env:"MAX_LIFETIME" envDefault:"1h"`
	MaxIdleTime     time.Duration `env:"MAX_IDLE_TIME" envDefault:"10m"`
	DeleteBatchSize int           `env:"DELETE_BATCH_SIZE" envDefault:"1000"`
	SkipMigrations  bool          `env:"SKIP_MIGRATIONS"`
}

// Enabled reports whether a database URL was configured
func (c DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

// StoreConfig converts to the postgres store settings
func (c DatabaseConfig) StoreConfig() postgres.Config {
	return postgres.Config{
		Pool: postgres.PoolConfig{
			PrimaryURL:  c.URL,
			ReplicaURLs: c.ReplicaURLs,
			MaxConns:    c.MaxConns,
			MinConns:    c.MinConns,
			Timeout:     c.Timeout,
			MaxLifetime: c.MaxLifetime,
			MaxIdleTime: c.MaxIdleTime,
		},
		DeleteBatchSize: c.DeleteBatchSize,
		SkipMigrations:  c.SkipMigrations,
	}
}

// RedisConfig holds Redis settings. Redis is optional: without it analytics
// results are not cached and rollups are not locked across replicas.
type RedisConfig struct {
	URL        string `env:"URL"`
	Password   string `env:"PASSWORD"`
	DB         int    `env:"DB"`
	MaxRetries int    `env:"MAX_RETRIES" envDefault:"3"`
	PoolSize   int    `env:"POOL_SIZE" envDefault:"10"`
	KeyPrefix  string `env:"KEY_PREFIX" envDefault:"beacon:"`
}

// Enabled reports whether a Redis URL was configured
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ClientConfig converts to the redis client settings
func (c RedisConfig) ClientConfig() redisstore.Config {
	return redisstore.Config{
		URL:        c.URL,
		Password:   c.Password,
		DB:         c.DB,
		MaxRetries: c.MaxRetries,
		PoolSize:   c.PoolSize,
		KeyPrefix:  c.KeyPrefix,
	}
}

// CaptureConfig tunes the server's own request capture
type CaptureConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"true"`
	Capacity     int           `env:"CAPACITY" envDefault:"4096"`
	Workers      int           `env:"WORKERS" envDefault:"2"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
}

// QueueConfig converts to the capture queue settings
func (c CaptureConfig) QueueConfig() capture.QueueConfig {
	return capture.QueueConfig{
		Capacity:     c.Capacity,
		Workers:      c.Workers,
		BatchSize:    c.BatchSize,
		WriteTimeout: c.WriteTimeout,
	}
}

// AnalyticsConfig tunes the analytics engine
type AnalyticsConfig struct {
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`
}

// RetentionConfig configures policies, cleanup batches and archiving
type RetentionConfig struct {
	// PolicyFile is a YAML policy file watched for changes. Empty keeps the
	// built-in policies in memory.
	PolicyFile string        `env:"POLICY_FILE"`
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"1000"`
	MaxBatches int           `env:"MAX_BATCHES" envDefault:"1000"`
	Schedule   string        `env:"SCHEDULE" envDefault:"30 2 * * *"`
	Sink       string        `env:"SINK" envDefault:"none"`
	ArchiveDir string        `env:"ARCHIVE_DIR"`
	S3         S3SinkConfig  `envPrefix:"S3_"`
	RunTimeout time.Duration `env:"RUN_TIMEOUT" envDefault:"1h"`
}

// S3SinkConfig configures the S3 archive sink
type S3SinkConfig struct {
	Bucket       string `env:"BUCKET"`
	Region       string `env:"REGION" envDefault:"us-east-1"`
	Endpoint     string `env:"ENDPOINT"`
	AccessKey    string `env:"ACCESS_KEY"`
	SecretKey    string `env:"SECRET_KEY"`
	UsePathStyle bool   `env:"USE_PATH_STYLE"`
	Prefix       string `env:"PREFIX" envDefault:"retention"`
}

// EngineConfig converts to the retention engine settings
func (c RetentionConfig) EngineConfig() retention.Config {
	return retention.Config{BatchSize: c.BatchSize, MaxBatches: c.MaxBatches}
}

// S3Config converts to the S3 sink settings
func (c RetentionConfig) S3Config() retention.S3Config {
	return retention.S3Config{
		Bucket:       c.S3.Bucket,
		Region:       c.S3.Region,
		Endpoint:     c.S3.Endpoint,
		AccessKey:    c.S3.AccessKey,
		SecretKey:    c.S3.SecretKey,
		UsePathStyle: c.S3.UsePathStyle,
		Prefix:       c.S3.Prefix,
	}
}

// RollupConfig tunes periodic metric generation
type RollupConfig struct {
	Workers     int           `env:"WORKERS" envDefault:"4"`
	UnitTimeout time.Duration `env:"UNIT_TIMEOUT" envDefault:"2m"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"10m"`
	Schedule    string        `env:"SCHEDULE" envDefault:"5 0 * * *"`
}

// GeneratorConfig converts to the rollup generator settings
func (c RollupConfig) GeneratorConfig() rollup.Config {
	return rollup.Config{Workers: c.Workers, UnitTimeout: c.UnitTimeout}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Metrics
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	// OpenTelemetry
	OTelEnabled        bool    `env:"OTEL_ENABLED"`
	OTelEndpoint       string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelServiceName    string  `env:"OTEL_SERVICE_NAME" envDefault:"beacon"`
	OTelServiceVersion string  `env:"OTEL_SERVICE_VERSION" envDefault:"1.0.0"`
	OTelInsecure       bool    `env:"OTEL_INSECURE" envDefault:"true"`
	OTelSampleRatio    float64 `env:"OTEL_SAMPLE_RATIO"`
}

// Level is the parsed log level
func (c ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(c.LogLevel)
}

// OTel converts to the OpenTelemetry bootstrap settings
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// LoadConfig loads an optional dotenv file and then the environment. Values
// already present in the environment win over the file. A missing dotenv
// file is not an error.
func LoadConfig(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenvPath, err)
		}
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// FromEnv parses BEACON_* variables without validating them
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Retention.Sink = strings.ToLower(strings.TrimSpace(cfg.Retention.Sink))
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort != "" && c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read and write timeouts must be positive")
	}
	if c.Server.DedupeSize < 1 {
		return fmt.Errorf("dedupe size must be at least 1")
	}
	if c.Server.IngestRateLimit < 0 || c.Server.IngestRateBurst < 0 {
		return fmt.Errorf("ingest rate limit and burst must not be negative")
	}

	// Validate database config
	if c.Database.Enabled() {
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("postgres max conns must be at least 1")
		}
		if c.Database.MinConns > c.Database.MaxConns {
			return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
		}
	}

	// Validate capture config
	if c.Capture.Enabled && (c.Capture.Capacity < 1 || c.Capture.BatchSize < 1) {
		return fmt.Errorf("capture capacity and batch size must be at least 1")
	}

	// Validate retention config
	if c.Retention.BatchSize < 1 {
		return fmt.Errorf("retention batch size must be at least 1")
	}
	switch c.Retention.Sink {
	case SinkNone:
	case SinkFile:
		if c.Retention.ArchiveDir == "" {
			return fmt.Errorf("archive dir is required for the file sink")
		}
	case SinkS3:
		if c.Retention.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required for the s3 sink")
		}
		if (c.Retention.S3.AccessKey == "") != (c.Retention.S3.SecretKey == "") {
			return fmt.Errorf("S3 access key and secret key must be set together")
		}
	default:
		return fmt.Errorf("invalid retention sink: %s (must be none, file, or s3)", c.Retention.Sink)
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", c.Retention.Schedule, err)
	}

	// Validate rollup config
	if _, err := cron.ParseStandard(c.Rollup.Schedule); err != nil {
		return fmt.Errorf("invalid rollup schedule %q: %w", c.Rollup.Schedule, err)
	}

	// Validate observability config
	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
	}

	return nil
}

package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL           = "https://api.coingecko.com/api/v3"
	DefaultKeyHeader         = "x-cg-demo-api-key"
	DefaultAPITimeout        = 30 * time.Second
	DefaultRequestsPerMinute = 30
	DefaultBurst             = 1
	DefaultVsCurrency        = "usd"
	DefaultMode              = ModeIncremental
	DefaultStart             = "2024-01-01T00:00:00Z"
	DefaultWindow            = 24 * time.Hour
	DefaultConcurrency       = 4
	DefaultRunTimeout        = 30 * time.Minute
	DefaultSourceVersion     = 1
	DefaultMaxAttempts       = 5
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 60 * time.Second
	DefaultJitter            = 0.5
	DefaultCommitAttempts    = 3
	DefaultCommitBaseDelay   = 500 * time.Millisecond
	DefaultCommitMaxDelay    = 10 * time.Second
	DefaultCatalogType       = CatalogPostgres
	DefaultCatalogName       = "lake"
	DefaultSchema            = "crypto"
	DefaultTable             = "market_data"
	DefaultLakeOpenConns     = 4
	DefaultStorageRegion     = "us-east-1"
	DefaultBucket            = "crypto-lake"
	DefaultWatermarkBackend  = WatermarkPostgres
	DefaultWatermarkFile     = "watermarks.json"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *IngestConfig) ApplyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.KeyHeader == "" {
		c.API.KeyHeader = DefaultKeyHeader
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.RequestsPerMinute == 0 {
		c.API.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.API.Burst == 0 {
		c.API.Burst = DefaultBurst
	}

	// Ingest defaults
	if c.Ingest.VsCurrency == "" {
		c.Ingest.VsCurrency = DefaultVsCurrency
	}
	if c.Ingest.Mode == "" {
		c.Ingest.Mode = DefaultMode
	}
	if c.Ingest.Start == "" {
		c.Ingest.Start = DefaultStart
	}
	if c.Ingest.Window == 0 {
		c.Ingest.Window = DefaultWindow
	}
	if c.Ingest.Concurrency == 0 {
		c.Ingest.Concurrency = DefaultConcurrency
	}
	if c.Ingest.RunTimeout == 0 {
		c.Ingest.RunTimeout = DefaultRunTimeout
	}
	if c.Ingest.SourceVersion == 0 {
		c.Ingest.SourceVersion = DefaultSourceVersion
	}

	// Retry defaults
	applyRetryDefaults(&c.Retry, DefaultMaxAttempts, DefaultBaseDelay, DefaultMaxDelay)
	applyRetryDefaults(&c.CommitRetry, DefaultCommitAttempts, DefaultCommitBaseDelay, DefaultCommitMaxDelay)

	// Lake defaults
	if c.Lake.CatalogType == "" {
		c.Lake.CatalogType = DefaultCatalogType
	}
	if c.Lake.CatalogName == "" {
		c.Lake.CatalogName = DefaultCatalogName
	}
	if c.Lake.Schema == "" {
		c.Lake.Schema = DefaultSchema
	}
	if c.Lake.Table == "" {
		c.Lake.Table = DefaultTable
	}
	if c.Lake.MaxOpenConns == 0 {
		c.Lake.MaxOpenConns = DefaultLakeOpenConns
	}

	// Storage defaults
	if c.Storage.Region == "" {
		c.Storage.Region = DefaultStorageRegion
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = DefaultBucket
	}
	if c.Lake.DataPath == "" && c.Lake.CatalogType != CatalogMemory {
		c.Lake.DataPath = "s3://" + c.Storage.Bucket + "/"
		if c.Storage.Prefix != "" {
			c.Lake.DataPath += c.Storage.Prefix + "/"
		}
	}

	// Watermark defaults
	if c.Watermark.Backend == "" {
		c.Watermark.Backend = DefaultWatermarkBackend
	}
	if c.Watermark.FilePath == "" {
		c.Watermark.FilePath = DefaultWatermarkFile
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyRetryDefaults(r *RetryConfig, attempts int, base, max time.Duration) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = base
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = max
	}
	if r.Jitter == 0 {
		r.Jitter = DefaultJitter
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

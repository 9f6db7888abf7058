package config

import (
	"fmt"
	"time"
)

// IngestConfig is the root configuration for an ingestion run.
type IngestConfig struct {
	Instance    InstanceConfig  `yaml:"instance"`
	API         APIConfig       `yaml:"api"`
	Ingest      IngestSettings  `yaml:"ingest"`
	Retry       RetryConfig     `yaml:"retry"`
	CommitRetry RetryConfig     `yaml:"commit_retry"`
	Lake        LakeConfig      `yaml:"lake"`
	Storage     StorageConfig   `yaml:"storage"`
	Watermark   WatermarkConfig `yaml:"watermark"`
	Database    DatabaseConfig  `yaml:"database"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// InstanceConfig identifies this ingester.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds CoinGecko API settings.
type APIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	KeyHeader         string        `yaml:"key_header"` // x-cg-demo-api-key or x-cg-pro-api-key
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
}

// Ingest modes.
const (
	ModeIncremental = "incremental"
	ModeRange       = "range"
)

// IngestSettings controls what is fetched and how much runs in parallel.
type IngestSettings struct {
	Assets        []string      `yaml:"assets"`
	VsCurrency    string        `yaml:"vs_currency"`
	Mode          string        `yaml:"mode"`
	Start         string        `yaml:"start"` // RFC3339
	End           string        `yaml:"end"`   // RFC3339, empty means run start
	Window        time.Duration `yaml:"window"`
	Concurrency   int           `yaml:"concurrency"`
	RunTimeout    time.Duration `yaml:"run_timeout"`
	SourceVersion int           `yaml:"source_version"`
}

// StartTime parses Start.
func (s IngestSettings) StartTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ingest.start: %w", err)
	}
	return t.UTC(), nil
}

// EndTime parses End, falling back to now when it is empty.
func (s IngestSettings) EndTime(now time.Time) (time.Time, error) {
	if s.End == "" {
		return now.UTC().Truncate(time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, s.End)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ingest.end: %w", err)
	}
	return t.UTC(), nil
}

// RetryConfig holds backoff settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// Lake catalog types.
const (
	CatalogPostgres = "postgres"
	CatalogDuckDB   = "duckdb"
	CatalogMemory   = "memory"
)

// LakeConfig describes the DuckLake landing table.
type LakeConfig struct {
	CatalogType  string `yaml:"catalog_type"`
	CatalogDSN   string `yaml:"catalog_dsn"`  // libpq DSN, built from database.postgres when empty
	CatalogPath  string `yaml:"catalog_path"` // duckdb catalog file
	CatalogName  string `yaml:"catalog_name"`
	Schema       string `yaml:"schema"`
	Table        string `yaml:"table"`
	DataPath     string `yaml:"data_path"` // s3://bucket/prefix or a local directory
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// StorageConfig holds S3-compatible object storage settings.
type StorageConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Region     string `yaml:"region"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	UseSSL     bool   `yaml:"use_ssl"`
	ArchiveRaw bool   `yaml:"archive_raw"`
}

// Watermark backends.
const (
	WatermarkPostgres = "postgres"
	WatermarkFile     = "file"
	WatermarkMemory   = "memory"
)

// WatermarkConfig selects where per-asset progress is kept.
type WatermarkConfig struct {
	Backend  string `yaml:"backend"`
	FilePath string `yaml:"file_path"`
}

// DatabaseConfig holds the PostgreSQL connection shared by the DuckLake
// catalog and the watermark control table.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// usesPostgres reports whether any component needs database.postgres.
func (c *IngestConfig) usesPostgres() bool {
	return c.Watermark.Backend == WatermarkPostgres ||
		(c.Lake.CatalogType == CatalogPostgres && c.Lake.CatalogDSN == "")
}

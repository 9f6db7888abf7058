package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	assetIDPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks that all required fields are set and values are valid.
func (c *IngestConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Ingest.validate(); err != nil {
		return err
	}
	if c.API.RequestsPerMinute < 1 {
		return errors.New("api.requests_per_minute must be >= 1")
	}
	if c.API.Burst < 1 {
		return errors.New("api.burst must be >= 1")
	}

	if err := c.Retry.validate("retry"); err != nil {
		return err
	}
	if err := c.CommitRetry.validate("commit_retry"); err != nil {
		return err
	}

	if err := c.Lake.validate(); err != nil {
		return err
	}
	if strings.HasPrefix(c.Lake.DataPath, "s3://") || c.Storage.ArchiveRaw {
		if c.Storage.Endpoint == "" {
			return errors.New("storage.endpoint is required for s3 data paths and raw archival")
		}
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for s3 data paths and raw archival")
		}
	}

	switch c.Watermark.Backend {
	case WatermarkPostgres, WatermarkMemory:
	case WatermarkFile:
		if c.Watermark.FilePath == "" {
			return errors.New("watermark.file_path is required for the file backend")
		}
	default:
		return fmt.Errorf("watermark.backend %q is not one of postgres, file, memory", c.Watermark.Backend)
	}

	if c.usesPostgres() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

func (s *IngestSettings) validate() error {
	if len(s.Assets) == 0 {
		return errors.New("ingest.assets must list at least one asset")
	}
	seen := make(map[string]bool, len(s.Assets))
	for _, a := range s.Assets {
		if !assetIDPattern.MatchString(a) {
			return fmt.Errorf("ingest.assets: invalid asset id %q", a)
		}
		if seen[a] {
			return fmt.Errorf("ingest.assets: duplicate asset id %q", a)
		}
		seen[a] = true
	}
	if s.VsCurrency == "" {
		return errors.New("ingest.vs_currency is required")
	}
	if s.Mode != ModeIncremental && s.Mode != ModeRange {
		return fmt.Errorf("ingest.mode %q is not one of incremental, range", s.Mode)
	}
	if s.Window < time.Second {
		return fmt.Errorf("ingest.window must be >= 1s, got %v", s.Window)
	}
	if s.Concurrency < 1 {
		return errors.New("ingest.concurrency must be >= 1")
	}
	if s.SourceVersion < 1 {
		return errors.New("ingest.source_version must be >= 1")
	}

	start, err := s.StartTime()
	if err != nil {
		return err
	}
	if s.End != "" {
		end, err := s.EndTime(time.Time{})
		if err != nil {
			return err
		}
		if !start.Before(end) {
			return fmt.Errorf("ingest.start (%s) must be before ingest.end (%s)", s.Start, s.End)
		}
	}
	return nil
}

func (r *RetryConfig) validate(prefix string) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be >= 1", prefix)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("%s.base_delay must be > 0", prefix)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("%s.max_delay (%v) cannot be less than base_delay (%v)", prefix, r.MaxDelay, r.BaseDelay)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("%s.jitter must be between 0 and 1, got %v", prefix, r.Jitter)
	}
	return nil
}

func (l *LakeConfig) validate() error {
	switch l.CatalogType {
	case CatalogPostgres, CatalogMemory:
	case CatalogDuckDB:
		if l.CatalogPath == "" {
			return errors.New("lake.catalog_path is required for the duckdb catalog")
		}
	default:
		return fmt.Errorf("lake.catalog_type %q is not one of postgres, duckdb, memory", l.CatalogType)
	}
	for _, id := range []struct{ name, v string }{
		{"lake.catalog_name", l.CatalogName},
		{"lake.schema", l.Schema},
		{"lake.table", l.Table},
	} {
		if !identifierPattern.MatchString(id.v) {
			return fmt.Errorf("%s: invalid identifier %q", id.name, id.v)
		}
	}
	if l.CatalogType != CatalogMemory && l.DataPath == "" {
		return errors.New("lake.data_path is required")
	}
	if l.MaxOpenConns < 1 {
		return errors.New("lake.max_open_conns must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// Package database provides connection management for the PostgreSQL
// instance that backs the lake.
//
// One PostgreSQL database holds:
//   - The DuckLake catalog metadata (attached by DuckDB, not by this package)
//   - The ingest_watermarks control table (accessed through a pgx pool)
package database

// Package lake manages the landed market_data table.
//
// The table lives in a DuckLake catalog attached to an embedded DuckDB
// instance. Parquet data files go to DATA_PATH (S3-compatible storage in
// production) and catalog metadata goes to PostgreSQL or a DuckDB file. The
// memory catalog keeps a plain DuckDB table for local runs and tests.
//
// Rows are identified by (asset_id, ts). AppendOrUpsert replaces existing
// keys inside one transaction, so a batch lands entirely or not at all.
//
// DuckLake tables have no key constraints, so uniqueness rests on commits
// being serialized: a mutex within the process, and for a PostgreSQL catalog
// an AdvisoryLocker on the catalog database across processes. The memory
// catalog additionally declares PRIMARY KEY (asset_id, ts) and upserts with
// ON CONFLICT.
package lake

// Package metrics provides Prometheus metrics for monitoring ingestion runs.
//
// Key metrics:
//   - Pages fetched and records seen per pipeline stage
//   - Commit outcomes and latencies
//   - Watermark position per asset
//   - Asset run outcomes and active workers
package metrics

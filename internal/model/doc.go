// Package model defines shared data types used across the ingestion pipeline.
//
// All types mirror the landed table schema (market_data) and the watermark
// control table (ingest_watermarks).
//
// Conventions:
//   - Prices, volumes, market caps: decimal.Decimal, never float64
//   - Timestamps: time.Time in UTC, truncated to whole seconds
//   - IDs: CoinGecko asset ids (e.g., "bitcoin")
package model

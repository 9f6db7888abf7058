// Package watermark persists per-asset ingestion progress.
//
// A watermark records the newest committed timestamp and the cursor of the
// next page to fetch. It only moves forward, and only after the batch it
// describes is durably landed. A crash between commit and advance leaves
// the previous watermark in place; the next run refetches the batch and
// deduplication drops the rows that already landed.
package watermark

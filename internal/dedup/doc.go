// Package dedup implements the Deduplicator component.
//
// The Deduplicator:
//   - Collapses repeated identity keys within a batch (last write wins)
//   - Looks up keys already landed, scoped to the batch's time window per asset
//   - Drops already-landed records; committed history is never rewritten
package dedup

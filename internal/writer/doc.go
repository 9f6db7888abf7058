// Package writer implements the Landing Writer.
//
// The writer commits one deduplicated batch at a time to the landed table.
// A batch is all-or-nothing: it is retried as a unit on transient storage
// errors and transaction conflicts, and never partially visible. Rows whose
// key was landed concurrently by another run are replaced by the sink, so a
// commit never introduces a duplicate key.
package writer

package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Fetch Types
// -----------------------------------------------------------------------------

// RawRecord is an API response body exactly as received.
type RawRecord = json.RawMessage

// Page is one fetched unit of work for a single asset.
type Page struct {
	AssetID    string    // CoinGecko asset id
	Window     TimeRange // Requested time window
	Payload    RawRecord // Response body
	Cursor     string    // Cursor this page was requested with
	NextCursor string    // Cursor for the following page, "" when exhausted
}

// Last reports whether the upstream has no further pages after this one.
func (p Page) Last() bool {
	return p.NextCursor == ""
}

// -----------------------------------------------------------------------------
// Landed Types
// -----------------------------------------------------------------------------

// CanonicalRecord is one normalized market data point.
type CanonicalRecord struct {
	AssetID       string          // Part of identity key
	Timestamp     time.Time       // Part of identity key (UTC, second precision)
	Price         decimal.Decimal // Quote-currency price
	Volume        decimal.Decimal // 24h total volume at Timestamp
	MarketCap     decimal.Decimal // Market cap at Timestamp
	SourceVersion int             // Ingestion source/schema version
}

// Key returns the record's identity key.
func (r CanonicalRecord) Key() Key {
	return Key{AssetID: r.AssetID, Timestamp: r.Timestamp}
}

// Equal reports whether two records carry identical values.
func (r CanonicalRecord) Equal(o CanonicalRecord) bool {
	return r.AssetID == o.AssetID &&
		r.Timestamp.Equal(o.Timestamp) &&
		r.Price.Equal(o.Price) &&
		r.Volume.Equal(o.Volume) &&
		r.MarketCap.Equal(o.MarketCap) &&
		r.SourceVersion == o.SourceVersion
}

// Key is the natural identity of a landed row.
type Key struct {
	AssetID   string
	Timestamp time.Time
}

// Batch is an ordered set of records produced by one fetch cycle.
type Batch []CanonicalRecord

// Range returns the inclusive time range covered by the batch.
// The zero TimeRange is returned for an empty batch.
func (b Batch) Range() TimeRange {
	var tr TimeRange
	for _, r := range b {
		tr = tr.Extend(r.Timestamp)
	}
	return tr
}

// -----------------------------------------------------------------------------
// Progress Types
// -----------------------------------------------------------------------------

// TimeRange is an inclusive [Start, End] interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the range is unset.
func (tr TimeRange) IsZero() bool {
	return tr.Start.IsZero() && tr.End.IsZero()
}

// Contains reports whether t lies within the range.
func (tr TimeRange) Contains(t time.Time) bool {
	if tr.IsZero() {
		return false
	}
	return !t.Before(tr.Start) && !t.After(tr.End)
}

// Extend returns the smallest range covering tr and t.
func (tr TimeRange) Extend(t time.Time) TimeRange {
	if tr.IsZero() {
		return TimeRange{Start: t, End: t}
	}
	if t.Before(tr.Start) {
		tr.Start = t
	}
	if t.After(tr.End) {
		tr.End = t
	}
	return tr
}

// Watermark is the per-asset ingestion bookmark.
type Watermark struct {
	AssetID                string
	LastCommittedTimestamp time.Time // Zero when nothing has been committed
	LastPageCursor         *string   // Cursor of the next page to fetch, nil if unknown
	UpdatedAt              time.Time
}

// IsZero reports whether no progress has been recorded.
func (w Watermark) IsZero() bool {
	return w.LastCommittedTimestamp.IsZero() && w.LastPageCursor == nil
}

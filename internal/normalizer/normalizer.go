package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinlake/coinlake/internal/api"
	"github.com/coinlake/coinlake/internal/model"
)

// maxMillis is 9999-12-31T23:59:59.999Z in epoch milliseconds.
var maxMillis = decimal.NewFromInt(253402300799999)

// Result holds the records produced from one page.
type Result struct {
	Records model.Batch
	Skipped int  // Invalid price points dropped
	Invalid bool // The payload itself could not be decoded
}

// Normalize maps one page to canonical records.
func Normalize(page model.Page, sourceVersion int) Result {
	if page.AssetID == "" {
		return Result{Invalid: true}
	}

	var chart api.MarketChartResponse
	if err := decode(page.Payload, &chart); err != nil {
		return Result{Invalid: true}
	}

	caps := index(chart.MarketCaps)
	vols := index(chart.TotalVolumes)

	res := Result{Records: make(model.Batch, 0, len(chart.Prices))}
	for _, raw := range chart.Prices {
		ts, price, err := parsePoint(raw)
		if err != nil || price.IsNegative() {
			res.Skipped++
			continue
		}

		res.Records = append(res.Records, model.CanonicalRecord{
			AssetID:       page.AssetID,
			Timestamp:     ts,
			Price:         price,
			Volume:        vols[ts],
			MarketCap:     caps[ts],
			SourceVersion: sourceVersion,
		})
	}

	return res
}

// decode parses the payload keeping numbers as literals.
func decode(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}

// index builds a timestamp -> value lookup for an auxiliary series.
// Malformed points are ignored. The last point wins for a repeated second,
// matching the price point that survives deduplication.
func index(points []json.RawMessage) map[time.Time]decimal.Decimal {
	m := make(map[time.Time]decimal.Decimal, len(points))
	for _, raw := range points {
		ts, v, err := parsePoint(raw)
		if err != nil {
			continue
		}
		m[ts] = v
	}
	return m
}

// parsePoint parses a [unix_ms, value] pair.
func parsePoint(raw json.RawMessage) (time.Time, decimal.Decimal, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("point is not an array: %w", err)
	}
	if len(pair) != 2 {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("point has %d elements, want 2", len(pair))
	}

	ms, err := parseNumber(pair[0])
	if err != nil {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("timestamp: %w", err)
	}
	if ms.IsNegative() || ms.GreaterThan(maxMillis) {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("timestamp: %s out of range", ms)
	}

	v, err := parseNumber(pair[1])
	if err != nil {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("value: %w", err)
	}

	return normalizeTimestamp(ms.IntPart()), v, nil
}

// parseNumber parses a JSON number literal into a decimal.
// Strings, nulls and other JSON types are rejected.
func parseNumber(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, errors.New("missing number")
	}
	c := raw[0]
	if c != '-' && (c < '0' || c > '9') {
		return decimal.Decimal{}, fmt.Errorf("not a number: %s", raw)
	}
	return decimal.NewFromString(string(raw))
}

// normalizeTimestamp converts epoch milliseconds to a UTC, second-precision instant.
func normalizeTimestamp(ms int64) time.Time {
	return time.UnixMilli(ms).UTC().Truncate(time.Second)
}

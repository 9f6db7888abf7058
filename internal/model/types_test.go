package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTimeRange(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	t.Run("zero range", func(t *testing.T) {
		var tr TimeRange
		if !tr.IsZero() {
			t.Error("IsZero() = false, want true")
		}
		if tr.Contains(t0) {
			t.Error("zero range should not contain anything")
		}
	})

	t.Run("extend", func(t *testing.T) {
		tr := TimeRange{}.Extend(t1).Extend(t0).Extend(t2)
		if !tr.Start.Equal(t0) {
			t.Errorf("Start = %v, want %v", tr.Start, t0)
		}
		if !tr.End.Equal(t2) {
			t.Errorf("End = %v, want %v", tr.End, t2)
		}
	})

	t.Run("contains is inclusive", func(t *testing.T) {
		tr := TimeRange{Start: t0, End: t1}
		if !tr.Contains(t0) || !tr.Contains(t1) {
			t.Error("range should contain both endpoints")
		}
		if tr.Contains(t2) {
			t.Errorf("range should not contain %v", t2)
		}
	})
}

func TestBatchRange(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := Batch{
		{AssetID: "bitcoin", Timestamp: t0.Add(time.Minute)},
		{AssetID: "bitcoin", Timestamp: t0},
		{AssetID: "bitcoin", Timestamp: t0.Add(3 * time.Minute)},
	}

	tr := b.Range()
	if !tr.Start.Equal(t0) {
		t.Errorf("Start = %v, want %v", tr.Start, t0)
	}
	if !tr.End.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("End = %v, want %v", tr.End, t0.Add(3*time.Minute))
	}

	if !(Batch{}).Range().IsZero() {
		t.Error("empty batch range should be zero")
	}
}

func TestCanonicalRecord(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	a := CanonicalRecord{
		AssetID:       "bitcoin",
		Timestamp:     ts,
		Price:         decimal.RequireFromString("42000.10"),
		Volume:        decimal.RequireFromString("1000"),
		MarketCap:     decimal.RequireFromString("820000000000"),
		SourceVersion: 1,
	}

	b := a
	b.Price = decimal.RequireFromString("42000.1")
	if !a.Equal(b) {
		t.Error("records with numerically equal prices should be equal")
	}

	b.Price = decimal.RequireFromString("42000.2")
	if a.Equal(b) {
		t.Error("records with different prices should not be equal")
	}

	if a.Key() != (Key{AssetID: "bitcoin", Timestamp: ts}) {
		t.Errorf("Key() = %+v, want bitcoin@%v", a.Key(), ts)
	}
}

func TestWatermarkIsZero(t *testing.T) {
	if !(Watermark{AssetID: "bitcoin"}).IsZero() {
		t.Error("fresh watermark should be zero")
	}
	cursor := "1704067200"
	if (Watermark{AssetID: "bitcoin", LastPageCursor: &cursor}).IsZero() {
		t.Error("watermark with cursor should not be zero")
	}
}

func TestPageLast(t *testing.T) {
	if !(Page{}).Last() {
		t.Error("page without next cursor should be last")
	}
	if (Page{NextCursor: "1704067200"}).Last() {
		t.Error("page with next cursor should not be last")
	}
}

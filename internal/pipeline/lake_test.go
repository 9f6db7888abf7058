package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coinlake/coinlake/internal/lake"
	"github.com/coinlake/coinlake/internal/model"
	"github.com/coinlake/coinlake/internal/writer"
)

// newLakeHarness lands into a memory-catalog DuckDB table.
func newLakeHarness(t *testing.T) *harness {
	t.Helper()
	tbl, err := lake.Open(context.Background(), lake.Config{
		CatalogType: lake.CatalogMemory,
		Schema:      "crypto",
		Table:       "market_data",
	}, nil)
	if err != nil {
		t.Fatalf("lake.Open() error = %v", err)
	}
	t.Cleanup(func() { tbl.Close() })

	h := newHarness()
	h.lake = tbl
	return h
}

// landed returns the rows for asset and fails on a repeated key.
func landed(t *testing.T, h *harness, asset string) []model.CanonicalRecord {
	t.Helper()
	rows, err := h.lake.Rows(context.Background(), asset)
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	seen := make(map[model.Key]bool, len(rows))
	for _, r := range rows {
		if seen[r.Key()] {
			t.Errorf("key %v landed more than once", r.Key())
		}
		seen[r.Key()] = true
	}
	return rows
}

func TestLake_BitcoinTwoPages(t *testing.T) {
	h := newLakeHarness(t)

	r := h.run(incremental(), "bitcoin")
	if !r.OK() {
		t.Fatalf("run failed: %+v", r.Failed())
	}
	rows := landed(t, h, "bitcoin")
	if len(rows) != 10 {
		t.Fatalf("rows = %d, want 10", len(rows))
	}
	for i, row := range rows {
		if want := t0.Add(time.Duration(i) * time.Hour); !row.Timestamp.Equal(want) {
			t.Errorf("rows[%d].Timestamp = %v, want %v", i, row.Timestamp, want)
		}
	}
}

func TestLake_RangeRerunIsIdempotent(t *testing.T) {
	h := newLakeHarness(t)
	cfg := Config{Mode: ModeRange, Concurrency: 1, SourceVersion: 1}

	if r := h.run(cfg, "bitcoin"); !r.OK() {
		t.Fatalf("first run failed: %+v", r.Failed())
	}
	before := landed(t, h, "bitcoin")

	r := h.run(cfg, "bitcoin")
	if !r.OK() {
		t.Fatalf("second run failed: %+v", r.Failed())
	}
	if a := r.Assets[0]; a.Committed != 0 || a.DedupedOut != 10 {
		t.Errorf("second run committed/deduped = %d/%d, want 0/10", a.Committed, a.DedupedOut)
	}

	after := landed(t, h, "bitcoin")
	if len(after) != len(before) {
		t.Fatalf("rows after rerun = %d, want %d", len(after), len(before))
	}
	for i := range after {
		if !after[i].Equal(before[i]) {
			t.Errorf("row %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestLake_ConcurrentRunsLandEachKeyOnce(t *testing.T) {
	h := newLakeHarness(t)
	cfg := Config{Mode: ModeRange, Concurrency: 1, SourceVersion: 1}

	var wg sync.WaitGroup
	reports := make([]Report, 3)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = h.run(cfg, "bitcoin")
		}()
	}
	wg.Wait()

	newRows := 0
	for i, r := range reports {
		if !r.OK() {
			t.Fatalf("run %d failed: %+v", i, r.Failed())
		}
		newRows += r.Assets[0].Committed - r.Assets[0].Replaced
	}
	if newRows != 10 {
		t.Errorf("inserted minus replaced across runs = %d, want 10", newRows)
	}
	if rows := landed(t, h, "bitcoin"); len(rows) != 10 {
		t.Errorf("rows = %d, want 10", len(rows))
	}
}

func TestLake_CrashBetweenCommitAndAdvance(t *testing.T) {
	h := newLakeHarness(t)
	crash := errors.New("process killed")

	cfg := incremental()
	commits := 0
	cfg.Hooks.AfterCommit = func(asset string, c writer.Committed) error {
		commits++
		if commits == 2 {
			return crash
		}
		return nil
	}

	r := h.run(cfg, "bitcoin")
	if a := r.Assets[0]; a.State != StateFailed || !errors.Is(a.Err, crash) {
		t.Fatalf("State/Err = %s/%v, want Failed/%v", a.State, a.Err, crash)
	}

	r = h.run(incremental(), "bitcoin")
	if !r.OK() {
		t.Fatalf("restart failed: %+v", r.Failed())
	}
	if a := r.Assets[0]; a.DedupedOut != 5 || a.Committed != 0 {
		t.Errorf("restart deduped/committed = %d/%d, want 5/0", a.DedupedOut, a.Committed)
	}
	if rows := landed(t, h, "bitcoin"); len(rows) != 10 {
		t.Errorf("rows after restart = %d, want 10", len(rows))
	}
	if wm := r.Assets[0].Watermark; !wm.LastCommittedTimestamp.Equal(t0.Add(9 * time.Hour)) {
		t.Errorf("watermark = %v, want %v", wm.LastCommittedTimestamp, t0.Add(9*time.Hour))
	}
}

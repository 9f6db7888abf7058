package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coinlake/coinlake/internal/dedup"
	"github.com/coinlake/coinlake/internal/fetcher"
	"github.com/coinlake/coinlake/internal/lake"
	"github.com/coinlake/coinlake/internal/model"
	"github.com/coinlake/coinlake/internal/retry"
	"github.com/coinlake/coinlake/internal/watermark"
	"github.com/coinlake/coinlake/internal/writer"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// chartCall is one request seen by fakeChart.
type chartCall struct {
	asset    string
	from, to time.Time
}

// fakeChart serves one price point per hour, priced 40000 + hours since t0.
type fakeChart struct {
	mu       sync.Mutex
	calls    []chartCall
	payload  map[string]func(from, to time.Time) []byte
	failures map[string][]error // Returned in order before serving data
}

func newFakeChart() *fakeChart {
	return &fakeChart{
		payload:  make(map[string]func(from, to time.Time) []byte),
		failures: make(map[string][]error),
	}
}

func (f *fakeChart) GetMarketChartRange(ctx context.Context, assetID, vs string, from, to time.Time) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, chartCall{assetID, from, to})
	if errs := f.failures[assetID]; len(errs) > 0 {
		f.failures[assetID] = errs[1:]
		f.mu.Unlock()
		return nil, errs[0]
	}
	custom := f.payload[assetID]
	f.mu.Unlock()

	if custom != nil {
		return custom(from, to), nil
	}
	return hourlyPayload(from, to), nil
}

func (f *fakeChart) callsFor(asset string) []chartCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chartCall
	for _, c := range f.calls {
		if c.asset == asset {
			out = append(out, c)
		}
	}
	return out
}

// hourlyPayload renders a market chart body with a point on every hour in
// [from, to].
func hourlyPayload(from, to time.Time) []byte {
	var prices, caps, vols []string
	for ts := from.Truncate(time.Hour); !ts.After(to); ts = ts.Add(time.Hour) {
		if ts.Before(from) {
			continue
		}
		h := int64(ts.Sub(t0) / time.Hour)
		ms := ts.UnixMilli()
		prices = append(prices, fmt.Sprintf("[%d,%d.5]", ms, 40000+h))
		caps = append(caps, fmt.Sprintf("[%d,%d]", ms, 800000000000+h))
		vols = append(vols, fmt.Sprintf("[%d,%d]", ms, 20000000000+h))
	}
	return []byte(fmt.Sprintf(`{"prices":[%s],"market_caps":[%s],"total_volumes":[%s]}`,
		strings.Join(prices, ","), strings.Join(caps, ","), strings.Join(vols, ",")))
}

// memTable is an in-memory landed table keyed like the real one.
type memTable struct {
	mu      sync.Mutex
	rows    map[model.Key]model.CanonicalRecord
	commits int
	failErr error
}

func newMemTable() *memTable {
	return &memTable{rows: make(map[model.Key]model.CanonicalRecord)}
}

func (m *memTable) ReadExistingKeys(ctx context.Context, assetID string, tr model.TimeRange) (map[time.Time]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[time.Time]struct{})
	for k := range m.rows {
		if k.AssetID == assetID && tr.Contains(k.Timestamp) {
			out[k.Timestamp] = struct{}{}
		}
	}
	return out, nil
}

func (m *memTable) AppendOrUpsert(ctx context.Context, rows []model.CanonicalRecord) (lake.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return lake.CommitResult{}, m.failErr
	}
	replaced := 0
	for _, r := range rows {
		if _, ok := m.rows[r.Key()]; ok {
			replaced++
		}
		m.rows[r.Key()] = r
	}
	m.commits++
	return lake.CommitResult{Inserted: len(rows), Replaced: replaced, Range: model.Batch(rows).Range()}, nil
}

func (m *memTable) count(asset string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.rows {
		if k.AssetID == asset {
			n++
		}
	}
	return n
}

func (m *memTable) sorted(asset string) []model.CanonicalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CanonicalRecord
	for k, r := range m.rows {
		if k.AssetID == asset {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// recordingStore keeps every saved watermark.
type recordingStore struct {
	*watermark.MemoryStore
	mu      sync.Mutex
	history map[string][]model.Watermark
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		MemoryStore: watermark.NewMemoryStore(),
		history:     make(map[string][]model.Watermark),
	}
}

func (s *recordingStore) Save(ctx context.Context, w model.Watermark) error {
	s.mu.Lock()
	s.history[w.AssetID] = append(s.history[w.AssetID], w)
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, w)
}

// harness wires real pipeline components over the fakes.
type harness struct {
	chart *fakeChart
	table *memTable
	lake  *lake.Table // Replaces table when set
	store *recordingStore
	fcfg  fetcher.Config

	mu     sync.Mutex
	sleeps []time.Duration
}

// newHarness covers [t0, t0+10h) in 5h windows: two pages of five points.
func newHarness() *harness {
	return &harness{
		chart: newFakeChart(),
		table: newMemTable(),
		store: newRecordingStore(),
		fcfg: fetcher.Config{
			VsCurrency: "usd",
			Start:      t0,
			End:        t0.Add(10*time.Hour - time.Second),
			Window:     5 * time.Hour,
			Retry:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		},
	}
}

func (h *harness) sleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	return ctx.Err()
}

func (h *harness) deps() Deps {
	var (
		keys dedup.KeyReader = h.table
		sink writer.Sink     = h.table
	)
	if h.lake != nil {
		keys, sink = h.lake, h.lake
	}
	return Deps{
		Source:  fetcher.New(h.fcfg, h.chart, nil, fetcher.WithSleeper(h.sleep)),
		Dedup:   dedup.New(keys, nil),
		Writer:  writer.New(writer.DefaultConfig(), sink, nil, writer.WithSleeper(h.sleep)),
		Tracker: watermark.NewTracker(h.store, nil),
	}
}

func (h *harness) run(cfg Config, assets ...string) Report {
	return Ingest(context.Background(), cfg, h.deps(), assets)
}

func incremental() Config {
	return Config{Mode: ModeIncremental, Concurrency: 2, SourceVersion: 1}
}

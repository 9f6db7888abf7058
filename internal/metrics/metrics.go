package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coinlake"

// Record stages.
const (
	StageFetched        = "fetched"
	StageNormalized     = "normalized"
	StageSkippedInvalid = "skipped_invalid"
	StageDeduped        = "deduped"
	StageCommitted      = "committed"
	StageReplaced       = "replaced"
)

// Metrics holds all ingestion metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	PagesFetched   *prometheus.CounterVec
	Records        *prometheus.CounterVec
	Commits        *prometheus.CounterVec
	AssetRuns      *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec
	Watermark      *prometheus.GaugeVec
	ActiveAssets   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total API pages fetched",
		},
		[]string{"asset"},
	)

	m.Records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records seen per pipeline stage",
		},
		[]string{"asset", "stage"},
	)

	m.Commits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Batch commits by outcome",
		},
		[]string{"asset", "status"}, // "success", "error"
	)

	m.AssetRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_runs_total",
			Help:      "Finished asset runs by final state",
		},
		[]string{"state"},
	)

	m.CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time to land one batch, retries included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"asset"},
	)

	m.Watermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Last committed timestamp per asset",
		},
		[]string{"asset"},
	)

	m.ActiveAssets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_assets",
			Help:      "Assets currently being ingested",
		},
	)

	m.registry.MustRegister(
		m.PagesFetched,
		m.Records,
		m.Commits,
		m.AssetRuns,
		m.CommitDuration,
		m.Watermark,
		m.ActiveAssets,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the registry on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordPage counts one fetched page.
func (m *Metrics) RecordPage(asset string) {
	if m == nil {
		return
	}
	m.PagesFetched.WithLabelValues(asset).Inc()
}

// RecordRecords adds n records at stage.
func (m *Metrics) RecordRecords(asset, stage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Records.WithLabelValues(asset, stage).Add(float64(n))
}

// RecordCommit records a commit outcome and its duration.
func (m *Metrics) RecordCommit(asset string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Commits.WithLabelValues(asset, status).Inc()
	m.CommitDuration.WithLabelValues(asset).Observe(d.Seconds())
}

// SetWatermark sets the watermark gauge.
func (m *Metrics) SetWatermark(asset string, ts time.Time) {
	if m == nil || ts.IsZero() {
		return
	}
	m.Watermark.WithLabelValues(asset).Set(float64(ts.Unix()))
}

// AssetStarted increments the active asset gauge.
func (m *Metrics) AssetStarted() {
	if m == nil {
		return
	}
	m.ActiveAssets.Inc()
}

// AssetFinished decrements the active asset gauge and counts the final state.
func (m *Metrics) AssetFinished(state string) {
	if m == nil {
		return
	}
	m.ActiveAssets.Dec()
	m.AssetRuns.WithLabelValues(state).Inc()
}

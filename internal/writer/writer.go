package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coinlake/coinlake/internal/lake"
	"github.com/coinlake/coinlake/internal/model"
	"github.com/coinlake/coinlake/internal/retry"
)

// Sink atomically lands a set of rows.
type Sink interface {
	AppendOrUpsert(ctx context.Context, rows []model.CanonicalRecord) (lake.CommitResult, error)
}

// Config holds writer settings.
type Config struct {
	Retry retry.Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      0.5,
		},
	}
}

// Committed describes a landed batch.
type Committed struct {
	Range    model.TimeRange // Zero for an empty batch
	Inserted int
	Replaced int // Keys landed concurrently and overwritten
	Attempts int
}

// WriterMetrics tracks writer statistics.
type WriterMetrics struct {
	Commits  int64
	Rows     int64
	Replaced int64
	Retries  int64
	Errors   int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(w *Writer) { w.runner.Sleep = s }
}

// Writer commits batches to a Sink.
type Writer struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	runner *retry.Runner

	mu      sync.Mutex
	metrics WriterMetrics
}

// New creates a new Writer.
func New(cfg Config, sink Sink, logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		runner: retry.NewRunner(cfg.Retry),
	}
	w.runner.Notify = func(attempt int, o retry.Outcome, delay time.Duration) {
		w.logger.Warn("commit failed, retrying",
			"attempt", attempt,
			"kind", o.Kind,
			"delay", delay,
			"error", o.Err,
		)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Commit lands batch. An empty batch succeeds without touching the sink.
// On error nothing from batch is visible.
func (w *Writer) Commit(ctx context.Context, batch model.Batch) (Committed, error) {
	if len(batch) == 0 {
		return Committed{}, nil
	}

	start := time.Now()
	var res lake.CommitResult
	attempts, err := w.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = w.sink.AppendOrUpsert(ctx, batch)
		return err
	})

	w.mu.Lock()
	w.metrics.Retries += int64(max(attempts-1, 0))
	if err != nil {
		w.metrics.Errors++
		w.mu.Unlock()
		return Committed{Attempts: attempts}, fmt.Errorf("commit %d rows: %w", len(batch), err)
	}
	w.metrics.Commits++
	w.metrics.Rows += int64(res.Inserted)
	w.metrics.Replaced += int64(res.Replaced)
	w.mu.Unlock()

	if res.Replaced > 0 {
		w.logger.Info("commit replaced concurrently landed rows", "replaced", res.Replaced)
	}
	w.logger.Debug("committed batch",
		"count", res.Inserted,
		"attempts", attempts,
		"duration", time.Since(start),
	)

	return Committed{
		Range:    res.Range,
		Inserted: res.Inserted,
		Replaced: res.Replaced,
		Attempts: attempts,
	}, nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/coinlake/coinlake/internal/dedup"
	"github.com/coinlake/coinlake/internal/fetcher"
	"github.com/coinlake/coinlake/internal/metrics"
	"github.com/coinlake/coinlake/internal/model"
	"github.com/coinlake/coinlake/internal/normalizer"
	"github.com/coinlake/coinlake/internal/watermark"
	"github.com/coinlake/coinlake/internal/writer"
)

// Ingest modes.
const (
	// ModeIncremental resumes each asset from its watermark.
	ModeIncremental = "incremental"
	// ModeRange refetches the configured range; cursors are left untouched.
	ModeRange = "range"
)

// PageSource yields raw pages for an asset in fetch order.
type PageSource interface {
	Pages(ctx context.Context, assetID string, startCursor *string) iter.Seq2[model.Page, error]
}

// Archiver keeps a raw copy of each fetched page.
type Archiver interface {
	ArchivePage(ctx context.Context, page model.Page) (string, error)
}

// Hooks are optional callbacks into the run.
type Hooks struct {
	// AfterCommit runs after a batch has landed and before the watermark
	// advances. An error fails the asset at that point.
	AfterCommit func(assetID string, c writer.Committed) error
}

// Config holds pipeline settings.
type Config struct {
	Mode          string
	Concurrency   int
	SourceVersion int
	Hooks         Hooks
}

// Deps are the resources a run uses. The caller owns and closes them.
type Deps struct {
	Source  PageSource
	Dedup   *dedup.Deduplicator
	Writer  *writer.Writer
	Tracker *watermark.Tracker
	Archive Archiver         // Optional
	Metrics *metrics.Metrics // Optional
	Logger  *slog.Logger
}

// AssetReport summarizes one asset run.
type AssetReport struct {
	AssetID        string
	State          State
	Err            error
	Pages          int
	InvalidPages   int // Pages whose payload could not be decoded
	Fetched        int // Raw price points seen
	Normalized     int
	SkippedInvalid int
	DedupedOut     int
	Committed      int
	Replaced       int
	Watermark      model.Watermark
	Duration       time.Duration
}

func (r *AssetReport) fire(ev Event) error {
	next, err := Transition(r.State, ev)
	if err != nil {
		return err
	}
	r.State = next
	return nil
}

// Runner ingests one asset at a time. It is safe to call Run concurrently
// for different assets.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewRunner creates a new Runner.
func NewRunner(cfg Config, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeIncremental
	}
	return &Runner{cfg: cfg, deps: deps, logger: logger}
}

type fetched struct {
	page model.Page
	err  error
}

// Run ingests assetID until the upstream is exhausted or an error occurs.
func (r *Runner) Run(ctx context.Context, assetID string) (rep AssetReport) {
	start := time.Now()
	logger := r.logger.With("asset", assetID)
	rep = AssetReport{AssetID: assetID, State: StateIdle}

	r.deps.Metrics.AssetStarted()
	defer func() {
		rep.Duration = time.Since(start)
		r.deps.Metrics.AssetFinished(rep.State.String())

		if rep.Err != nil {
			logger.Error("asset failed",
				"state", rep.State,
				"committed", rep.Committed,
				"duration", rep.Duration,
				"error", rep.Err,
			)
			return
		}
		logger.Info("asset done",
			"pages", rep.Pages,
			"fetched", rep.Fetched,
			"committed", rep.Committed,
			"deduped", rep.DedupedOut,
			"skipped_invalid", rep.SkippedInvalid,
			"duration", rep.Duration,
		)
	}()

	fail := func(err error) AssetReport {
		rep.Err = err
		rep.State, _ = Transition(rep.State, EvError)
		return rep
	}

	if err := rep.fire(EvStart); err != nil {
		return fail(err)
	}

	wm, err := r.deps.Tracker.Read(ctx, assetID)
	if err != nil {
		return fail(fmt.Errorf("read watermark: %w", err))
	}
	rep.Watermark = wm

	startCursor := r.startCursor(wm)
	logger.Debug("starting asset", "mode", r.cfg.Mode, "cursor", derefString(startCursor))

	// The producer fetches ahead while the consumer commits. Pages arrive
	// in fetch order and are handled one at a time.
	pctx, cancel := context.WithCancel(ctx)
	pages := make(chan fetched, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(pages)
		for page, err := range r.deps.Source.Pages(pctx, assetID, startCursor) {
			select {
			case pages <- fetched{page: page, err: err}:
			case <-pctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	for item := range pages {
		if item.err != nil {
			return fail(item.err)
		}
		if err := r.process(ctx, &rep, item.page, logger); err != nil {
			return fail(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if err := rep.fire(EvExhausted); err != nil {
		return fail(err)
	}
	return rep
}

// process moves one page through normalize, dedup, commit and advance.
func (r *Runner) process(ctx context.Context, rep *AssetReport, page model.Page, logger *slog.Logger) error {
	if err := rep.fire(EvPage); err != nil {
		return err
	}
	rep.Pages++
	r.deps.Metrics.RecordPage(rep.AssetID)

	if r.deps.Archive != nil {
		if key, err := r.deps.Archive.ArchivePage(ctx, page); err != nil {
			logger.Warn("archive raw page failed", "cursor", page.Cursor, "error", err)
		} else {
			logger.Debug("archived raw page", "key", key)
		}
	}

	norm := normalizer.Normalize(page, r.cfg.SourceVersion)
	if norm.Invalid {
		rep.InvalidPages++
		logger.Warn("dropping undecodable page", "cursor", page.Cursor, "bytes", len(page.Payload))
	}
	if norm.Skipped > 0 {
		logger.Warn("skipped invalid records", "cursor", page.Cursor, "count", norm.Skipped)
	}
	rep.Fetched += len(norm.Records) + norm.Skipped
	rep.Normalized += len(norm.Records)
	rep.SkippedInvalid += norm.Skipped
	r.deps.Metrics.RecordRecords(rep.AssetID, metrics.StageFetched, len(norm.Records)+norm.Skipped)
	r.deps.Metrics.RecordRecords(rep.AssetID, metrics.StageNormalized, len(norm.Records))
	r.deps.Metrics.RecordRecords(rep.AssetID, metrics.StageSkippedInvalid, norm.Skipped)
	if err := rep.fire(EvNormalized); err != nil {
		return err
	}

	filtered, err := r.deps.Dedup.Filter(ctx, norm.Records)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	rep.DedupedOut += filtered.DedupedOut()
	r.deps.Metrics.RecordRecords(rep.AssetID, metrics.StageDeduped, filtered.DedupedOut())
	if err := rep.fire(EvDeduped); err != nil {
		return err
	}

	commitStart := time.Now()
	c, err := r.deps.Writer.Commit(ctx, filtered.Records)
	if len(filtered.Records) > 0 {
		r.deps.Metrics.RecordCommit(rep.AssetID, time.Since(commitStart), err)
	}
	if err != nil {
		return err
	}
	rep.Committed += c.Inserted
	rep.Replaced += c.Replaced
	r.deps.Metrics.RecordRecords(rep.AssetID, metrics.StageCommitted, c.Inserted)
	r.deps.Metrics.RecordRecords(rep.AssetID, metrics.StageReplaced, c.Replaced)

	if hook := r.cfg.Hooks.AfterCommit; hook != nil {
		if err := hook(rep.AssetID, c); err != nil {
			return fmt.Errorf("after commit: %w", err)
		}
	}
	if err := rep.fire(EvCommitted); err != nil {
		return err
	}

	// Every normalized record is now landed, either by this commit or by
	// an earlier one that dedup filtered against.
	wm, err := r.deps.Tracker.Advance(ctx, rep.AssetID, norm.Records.Range(), r.resumeCursor(page))
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	rep.Watermark = wm
	r.deps.Metrics.SetWatermark(rep.AssetID, wm.LastCommittedTimestamp)

	return rep.fire(EvAdvanced)
}

// startCursor picks where an asset resumes. A saved cursor wins, then the
// second after the last committed timestamp. Nil starts from the configured
// backfill start.
func (r *Runner) startCursor(wm model.Watermark) *string {
	if r.cfg.Mode == ModeRange {
		return nil
	}
	if wm.LastPageCursor != nil && *wm.LastPageCursor != "" {
		c := *wm.LastPageCursor
		return &c
	}
	if !wm.LastCommittedTimestamp.IsZero() {
		c := fetcher.EncodeCursor(wm.LastCommittedTimestamp.Add(time.Second))
		return &c
	}
	return nil
}

// resumeCursor is the cursor saved after page lands. After the last page it
// points just past the fetched range, so the next run picks up new data.
func (r *Runner) resumeCursor(page model.Page) *string {
	if r.cfg.Mode == ModeRange {
		return nil
	}
	c := page.NextCursor
	if c == "" {
		c = fetcher.EncodeCursor(page.Window.End.Add(time.Second))
	}
	return &c
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

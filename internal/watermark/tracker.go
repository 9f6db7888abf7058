package watermark

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coinlake/coinlake/internal/model"
)

// Tracker reads and advances watermarks through a Store.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// Serializes read-modify-write per process.
	mu sync.Mutex
}

// NewTracker creates a new Tracker.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// Read returns the current watermark, or a zero watermark for a new asset.
func (t *Tracker) Read(ctx context.Context, assetID string) (model.Watermark, error) {
	w, _, err := t.store.Load(ctx, assetID)
	if err != nil {
		return model.Watermark{}, err
	}
	w.AssetID = assetID
	return w, nil
}

// Advance records that committed has landed and that cursor is the next page
// to fetch. A range ending before the current timestamp is ignored and the
// current watermark is returned. A zero range moves only the cursor.
func (t *Tracker) Advance(ctx context.Context, assetID string, committed model.TimeRange, cursor *string) (model.Watermark, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.Read(ctx, assetID)
	if err != nil {
		return model.Watermark{}, err
	}

	if !committed.IsZero() && committed.End.Before(cur.LastCommittedTimestamp) {
		t.logger.Warn("ignoring watermark regression",
			"asset", assetID,
			"current", cur.LastCommittedTimestamp,
			"committed_end", committed.End,
		)
		return cur, nil
	}

	next := cur
	if !committed.IsZero() && committed.End.After(cur.LastCommittedTimestamp) {
		next.LastCommittedTimestamp = committed.End.UTC()
	}
	if cursor != nil {
		c := *cursor
		next.LastPageCursor = &c
	}
	next.UpdatedAt = t.now().UTC()

	if err := t.store.Save(ctx, next); err != nil {
		return model.Watermark{}, err
	}

	t.logger.Debug("advanced watermark",
		"asset", assetID,
		"last_committed", next.LastCommittedTimestamp,
		"cursor", derefCursor(next.LastPageCursor),
	)
	return next, nil
}

func derefCursor(c *string) string {
	if c == nil {
		return ""
	}
	return *c
}

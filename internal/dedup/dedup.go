package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinlake/coinlake/internal/model"
)

// KeyReader returns the timestamps already landed for an asset within a range.
type KeyReader interface {
	ReadExistingKeys(ctx context.Context, assetID string, tr model.TimeRange) (map[time.Time]struct{}, error)
}

// Result is the outcome of filtering one batch.
type Result struct {
	Records           model.Batch
	InBatchCollisions int // Earlier duplicates replaced by a later record
	AlreadyLanded     int // Records dropped because their key is in the table
}

// DedupedOut returns the total number of records removed.
func (r Result) DedupedOut() int {
	return r.InBatchCollisions + r.AlreadyLanded
}

// Deduplicator filters batches against the landed table.
type Deduplicator struct {
	keys   KeyReader
	logger *slog.Logger
}

// New creates a new Deduplicator.
func New(keys KeyReader, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{keys: keys, logger: logger}
}

// Filter returns the records of batch that are not yet landed.
func (d *Deduplicator) Filter(ctx context.Context, batch model.Batch) (Result, error) {
	collapsed, collided := Collapse(batch)
	res := Result{InBatchCollisions: collided}
	if len(collapsed) == 0 {
		return res, nil
	}

	existing := make(map[string]map[time.Time]struct{})
	for asset, tr := range Windows(collapsed) {
		keys, err := d.keys.ReadExistingKeys(ctx, asset, tr)
		if err != nil {
			return Result{}, fmt.Errorf("read existing keys %s: %w", asset, err)
		}
		existing[asset] = keys
	}

	res.Records = make(model.Batch, 0, len(collapsed))
	for _, r := range collapsed {
		if _, ok := existing[r.AssetID][r.Timestamp]; ok {
			res.AlreadyLanded++
			continue
		}
		res.Records = append(res.Records, r)
	}

	if res.DedupedOut() > 0 {
		d.logger.Debug("deduplicated batch",
			"in", len(batch),
			"out", len(res.Records),
			"collisions", res.InBatchCollisions,
			"already_landed", res.AlreadyLanded,
		)
	}

	return res, nil
}

// Collapse removes repeated identity keys. The value of the last occurrence
// wins; it takes the position of the first occurrence so output order stays
// stable. The number of replaced records is returned.
func Collapse(batch model.Batch) (model.Batch, int) {
	pos := make(map[model.Key]int, len(batch))
	out := make(model.Batch, 0, len(batch))
	collided := 0

	for _, r := range batch {
		k := r.Key()
		if i, ok := pos[k]; ok {
			out[i] = r
			collided++
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}

	return out, collided
}

// Windows returns the minimal time range touched per asset.
func Windows(batch model.Batch) map[string]model.TimeRange {
	w := make(map[string]model.TimeRange)
	for _, r := range batch {
		w[r.AssetID] = w[r.AssetID].Extend(r.Timestamp)
	}
	return w
}

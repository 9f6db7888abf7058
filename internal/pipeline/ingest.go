package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Report summarizes a run over all assets, in input order.
type Report struct {
	Assets   []AssetReport
	Duration time.Duration
}

// Failed returns the reports of assets that did not finish.
func (r Report) Failed() []AssetReport {
	var failed []AssetReport
	for _, a := range r.Assets {
		if a.State != StateDone {
			failed = append(failed, a)
		}
	}
	return failed
}

// OK reports whether every asset finished.
func (r Report) OK() bool {
	return len(r.Failed()) == 0
}

// Ingest runs every asset on a pool of cfg.Concurrency workers and waits for
// all of them. Asset failures are reported, never propagated to siblings.
func Ingest(ctx context.Context, cfg Config, deps Deps, assets []string) Report {
	start := time.Now()
	runner := NewRunner(cfg, deps)
	reports := make([]AssetReport, len(assets))

	var g errgroup.Group
	g.SetLimit(max(cfg.Concurrency, 1))
	for i, asset := range assets {
		g.Go(func() error {
			reports[i] = runner.Run(ctx, asset)
			return nil
		})
	}
	g.Wait()

	return Report{Assets: reports, Duration: time.Since(start)}
}

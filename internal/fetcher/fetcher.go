package fetcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/coinlake/coinlake/internal/api"
	"github.com/coinlake/coinlake/internal/model"
	"github.com/coinlake/coinlake/internal/retry"
)

// ErrUnknownAsset is returned when the upstream API does not recognize an asset id.
var ErrUnknownAsset = errors.New("unknown asset")

// ChartClient fetches one market chart window.
type ChartClient interface {
	GetMarketChartRange(ctx context.Context, assetID, vsCurrency string, from, to time.Time) ([]byte, error)
}

// Config holds fetcher configuration.
type Config struct {
	VsCurrency string        // Quote currency (default: usd)
	Start      time.Time     // Backfill start when no cursor is given
	End        time.Time     // Inclusive end of the ingestion range
	Window     time.Duration // Span of one page (default: 24h)
	Retry      retry.Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		VsCurrency: "usd",
		Window:     24 * time.Hour,
		Retry:      retry.DefaultPolicy(),
	}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLimiter sets the request limiter. Share one limiter across all fetchers
// that spend the same API budget.
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Fetcher) {
		f.limiter = l
	}
}

// WithSleeper replaces the backoff sleep, for tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(f *Fetcher) {
		f.sleep = s
	}
}

// Fetcher produces raw pages for one asset at a time.
type Fetcher struct {
	cfg     Config
	client  ChartClient
	limiter *rate.Limiter
	sleep   retry.Sleeper
	logger  *slog.Logger
}

// New creates a new Fetcher.
func New(cfg Config, client ChartClient, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VsCurrency == "" {
		cfg.VsCurrency = "usd"
	}
	if cfg.Window < time.Second {
		cfg.Window = 24 * time.Hour
	}

	f := &Fetcher{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Inf, 1),
		sleep:   retry.Sleep,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Pages returns a lazy sequence of pages for assetID starting at startCursor
// (nil means backfill from Config.Start). The sequence ends after the last
// window, after the first error, or when the consumer stops.
func (f *Fetcher) Pages(ctx context.Context, assetID string, startCursor *string) iter.Seq2[model.Page, error] {
	return func(yield func(model.Page, error) bool) {
		start := f.cfg.Start.UTC().Truncate(time.Second)
		if startCursor != nil && *startCursor != "" {
			t, err := DecodeCursor(*startCursor)
			if err != nil {
				yield(model.Page{AssetID: assetID}, err)
				return
			}
			start = t
		}
		end := f.cfg.End.UTC().Truncate(time.Second)

		for ws := start; !ws.After(end); {
			we := ws.Add(f.cfg.Window - time.Second)
			if we.After(end) {
				we = end
			}

			cursor := EncodeCursor(ws)
			body, err := f.fetchWindow(ctx, assetID, ws, we)
			if err != nil {
				yield(model.Page{AssetID: assetID, Cursor: cursor}, err)
				return
			}

			next := we.Add(time.Second)
			page := model.Page{
				AssetID: assetID,
				Window:  model.TimeRange{Start: ws, End: we},
				Payload: body,
				Cursor:  cursor,
			}
			if !next.After(end) {
				page.NextCursor = EncodeCursor(next)
			}

			if !yield(page, nil) {
				return
			}
			ws = next
		}
	}
}

// fetchWindow requests one window under the rate limiter and retry policy.
func (f *Fetcher) fetchWindow(ctx context.Context, assetID string, from, to time.Time) ([]byte, error) {
	runner := retry.NewRunner(f.cfg.Retry)
	runner.Sleep = f.sleep
	runner.Notify = func(attempt int, o retry.Outcome, delay time.Duration) {
		f.logger.Warn("retrying market chart request",
			"asset", assetID,
			"attempt", attempt,
			"outcome", o.Kind.String(),
			"backoff", delay,
			"err", o.Err,
		)
	}

	var body []byte
	_, err := runner.Do(ctx, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		b, err := f.client.GetMarketChartRange(ctx, assetID, f.cfg.VsCurrency, from, to)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			return nil, fmt.Errorf("%w %q: %w", ErrUnknownAsset, assetID, err)
		}
		return nil, fmt.Errorf("fetch %s [%s, %s]: %w",
			assetID, from.Format(time.RFC3339), to.Format(time.RFC3339), err)
	}

	return body, nil
}

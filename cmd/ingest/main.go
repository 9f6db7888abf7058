package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/coinlake/coinlake/internal/api"
	"github.com/coinlake/coinlake/internal/config"
	"github.com/coinlake/coinlake/internal/database"
	"github.com/coinlake/coinlake/internal/dedup"
	"github.com/coinlake/coinlake/internal/fetcher"
	"github.com/coinlake/coinlake/internal/lake"
	"github.com/coinlake/coinlake/internal/metrics"
	"github.com/coinlake/coinlake/internal/objectstore"
	"github.com/coinlake/coinlake/internal/pipeline"
	"github.com/coinlake/coinlake/internal/retry"
	"github.com/coinlake/coinlake/internal/version"
	"github.com/coinlake/coinlake/internal/watermark"
	"github.com/coinlake/coinlake/internal/writer"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/ingest.local.yaml", "path to config file")
	assets := flag.String("assets", "", "comma-separated asset ids (overrides ingest.assets)")
	mode := flag.String("mode", "", "incremental or range (overrides ingest.mode)")
	start := flag.String("start", "", "RFC3339 range start (overrides ingest.start)")
	end := flag.String("end", "", "RFC3339 range end (overrides ingest.end)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return exitOK
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath, config.Overrides{
		Assets: splitAssets(*assets),
		Mode:   *mode,
		Start:  *start,
		End:    *end,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	runID := uuid.NewString()
	logger := newLogger(cfg.Logging, os.Stdout).With("run_id", runID)
	slog.SetDefault(logger)

	logger.Info("starting ingest",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"mode", cfg.Ingest.Mode,
		"assets", len(cfg.Ingest.Assets),
	)

	now := time.Now()
	startTime, err := cfg.Ingest.StartTime()
	if err != nil {
		logger.Error("invalid start", "error", err)
		return exitConfig
	}
	endTime, err := cfg.Ingest.EndTime(now)
	if err != nil {
		logger.Error("invalid end", "error", err)
		return exitConfig
	}

	// Cancel on SIGINT/SIGTERM and after the run timeout
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Ingest.RunTimeout)
	defer cancel()

	deps, closeAll, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return exitFailed
	}
	defer closeAll()

	// Metrics server runs until the ingest context ends
	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			if err := deps.Metrics.Serve(ctx, addr, cfg.Metrics.Path, logger); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// API client and fetcher share one request budget
	client := api.NewClient(
		cfg.API.BaseURL,
		cfg.API.APIKey,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithKeyHeader(cfg.API.KeyHeader),
	)
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.API.RequestsPerMinute)), cfg.API.Burst)

	// Check API connectivity
	if err := limiter.Wait(ctx); err != nil {
		logger.Error("interrupted before start", "error", err)
		return exitFailed
	}
	pong, err := client.Ping(ctx)
	if err != nil {
		logger.Error("failed to reach api", "base_url", cfg.API.BaseURL, "error", err)
		return exitFailed
	}
	logger.Info("api reachable", "gecko_says", pong.GeckoSays)

	deps.Source = fetcher.New(fetcher.Config{
		VsCurrency: cfg.Ingest.VsCurrency,
		Start:      startTime,
		End:        endTime,
		Window:     cfg.Ingest.Window,
		Retry:      retryPolicy(cfg.Retry),
	}, client, logger, fetcher.WithLimiter(limiter))

	logger.Info("ingesting",
		"start", startTime.Format(time.RFC3339),
		"end", endTime.Format(time.RFC3339),
		"window", cfg.Ingest.Window,
		"concurrency", cfg.Ingest.Concurrency,
	)

	report := pipeline.Ingest(ctx, pipeline.Config{
		Mode:          cfg.Ingest.Mode,
		Concurrency:   cfg.Ingest.Concurrency,
		SourceVersion: cfg.Ingest.SourceVersion,
	}, deps, cfg.Ingest.Assets)

	printSummary(os.Stdout, report)

	failed := report.Failed()
	logger.Info("ingest finished",
		"assets", len(report.Assets),
		"failed", len(failed),
		"duration", report.Duration,
	)
	if len(failed) > 0 {
		return exitFailed
	}
	return exitOK
}

// setup opens the lake table, watermark store and optional archive. The
// returned func releases everything that was opened.
func setup(ctx context.Context, cfg *config.IngestConfig, logger *slog.Logger) (pipeline.Deps, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (pipeline.Deps, func(), error) {
		closeAll()
		return pipeline.Deps{}, func() {}, err
	}

	deps := pipeline.Deps{Logger: logger}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	// Object storage: provision the bucket the lake writes to
	if cfg.Storage.Endpoint != "" {
		store, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			Prefix:    cfg.Storage.Prefix,
			UseSSL:    cfg.Storage.UseSSL,
		}, logger)
		if err != nil {
			return fail(err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fail(fmt.Errorf("ensure bucket: %w", err))
		}
		logger.Info("bucket ready", "bucket", store.Bucket())
		if cfg.Storage.ArchiveRaw {
			deps.Archive = store
		}
	}

	// PostgreSQL pool, shared by the commit lock and the watermark table
	var pool *pgxpool.Pool
	connectDB := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		p, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		closers = append(closers, p.Close)
		pool = p
		return pool, nil
	}

	// Lake table
	catalogDSN := cfg.Lake.CatalogDSN
	var lakeOpts []lake.Option
	if cfg.Lake.CatalogType == config.CatalogPostgres {
		var lockDB *pgxpool.Pool
		var err error
		if catalogDSN == "" {
			catalogDSN = database.BuildConnString(cfg.Database.Postgres)
			lockDB, err = connectDB()
		} else {
			lockDB, err = database.ConnectDSN(ctx, catalogDSN)
			if err == nil {
				closers = append(closers, lockDB.Close)
			}
		}
		if err != nil {
			return fail(fmt.Errorf("connect catalog database: %w", err))
		}
		lakeOpts = append(lakeOpts, lake.WithCommitLock(lake.NewAdvisoryLocker(lockDB)))
	}
	logger.Info("opening lake table",
		"catalog_type", cfg.Lake.CatalogType,
		"catalog", cfg.Lake.CatalogName,
		"data_path", cfg.Lake.DataPath,
	)
	table, err := lake.Open(ctx, lake.Config{
		CatalogType:  cfg.Lake.CatalogType,
		CatalogDSN:   catalogDSN,
		CatalogPath:  cfg.Lake.CatalogPath,
		CatalogName:  cfg.Lake.CatalogName,
		Schema:       cfg.Lake.Schema,
		Table:        cfg.Lake.Table,
		DataPath:     cfg.Lake.DataPath,
		MaxOpenConns: cfg.Lake.MaxOpenConns,
		S3: lake.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Region:    cfg.Storage.Region,
			UseSSL:    cfg.Storage.UseSSL,
		},
	}, logger, lakeOpts...)
	if err != nil {
		return fail(fmt.Errorf("open lake table: %w", err))
	}
	closers = append(closers, func() {
		if err := table.Close(); err != nil {
			logger.Warn("close lake table", "error", err)
		}
	})
	logger.Info("lake table ready", "table", table.Name())

	deps.Dedup = dedup.New(table, logger)
	deps.Writer = writer.New(writer.Config{Retry: retryPolicy(cfg.CommitRetry)}, table, logger)

	// Watermark store
	var store watermark.Store
	switch cfg.Watermark.Backend {
	case config.WatermarkPostgres:
		db, err := connectDB()
		if err != nil {
			return fail(err)
		}
		pg := watermark.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fail(fmt.Errorf("ensure watermark schema: %w", err))
		}
		store = pg
	case config.WatermarkFile:
		store = watermark.NewFileStore(cfg.Watermark.FilePath)
	default:
		logger.Warn("using in-memory watermarks; progress is lost on exit")
		store = watermark.NewMemoryStore()
	}
	deps.Tracker = watermark.NewTracker(store, logger)

	return deps, closeAll, nil
}

func retryPolicy(r config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func splitAssets(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func printSummary(w io.Writer, report pipeline.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tSTATE\tPAGES\tFETCHED\tSKIPPED\tDEDUPED\tCOMMITTED\tWATERMARK\tERROR")
	for _, a := range report.Assets {
		wm := "-"
		if !a.Watermark.LastCommittedTimestamp.IsZero() {
			wm = a.Watermark.LastCommittedTimestamp.Format(time.RFC3339)
		}
		errText := ""
		if a.Err != nil {
			errText = a.Err.Error()
			if errors.Is(a.Err, fetcher.ErrUnknownAsset) {
				errText = "unknown asset"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			a.AssetID, a.State, a.Pages, a.Fetched, a.SkippedInvalid, a.DedupedOut, a.Committed, wm, errText)
	}
	tw.Flush()
}

package lake

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/shopspring/decimal"

	"github.com/coinlake/coinlake/internal/model"
)

// Catalog types.
const (
	CatalogPostgres = "postgres"
	CatalogDuckDB   = "duckdb"
	CatalogMemory   = "memory"
)

// insertChunk bounds the rows per INSERT statement.
const insertChunk = 500

// decimalType is the column type of every numeric field.
const decimalType = "DECIMAL(38,18)"

// Config describes the catalog and storage the table lives in.
type Config struct {
	CatalogType  string
	CatalogDSN   string // postgres catalog connection string
	CatalogPath  string // duckdb catalog file
	CatalogName  string
	Schema       string
	Table        string
	DataPath     string
	MaxOpenConns int
	S3           S3Config
}

// S3Config holds the credentials DuckDB uses to write data files.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// CommitResult describes one successful AppendOrUpsert.
type CommitResult struct {
	Inserted int             // Rows written
	Replaced int             // Rows that already existed and were overwritten
	Range    model.TimeRange // Timestamps covered
}

// Table is the landed market data table.
type Table struct {
	db     *sql.DB
	name   string // Fully qualified, quoted
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// keyed tables carry a primary key on (asset_id, ts). DuckLake tables
	// cannot, so their commits delete existing keys before inserting.
	keyed bool

	// commitMu serializes commits from this process; locker extends that
	// to other processes sharing the catalog.
	commitMu sync.Mutex
	locker   Locker
}

// Option configures a Table.
type Option func(*Table)

// WithCommitLock makes every commit hold l for the assets it touches.
func WithCommitLock(l Locker) Option {
	return func(t *Table) {
		t.locker = l
	}
}

// Open starts an embedded DuckDB, attaches the catalog and creates the table
// if it is missing.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("create duckdb connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	t := &Table{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		keyed:  cfg.CatalogType == CatalogMemory,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) initialize(ctx context.Context) error {
	if t.cfg.CatalogType == CatalogMemory {
		t.name = quoteIdent(t.cfg.Schema) + "." + quoteIdent(t.cfg.Table)
		return t.createTable(ctx, quoteIdent(t.cfg.Schema))
	}

	extensions := []string{"ducklake", "httpfs"}
	if t.cfg.CatalogType == CatalogPostgres {
		extensions = append(extensions, "postgres")
	}
	for _, ext := range extensions {
		if _, err := t.db.ExecContext(ctx, "INSTALL "+ext); err != nil {
			return fmt.Errorf("install %s extension: %w", ext, err)
		}
		if _, err := t.db.ExecContext(ctx, "LOAD "+ext); err != nil {
			return fmt.Errorf("load %s extension: %w", ext, err)
		}
	}

	if t.cfg.S3.Endpoint != "" {
		if _, err := t.db.ExecContext(ctx, secretSQL(t.cfg.S3)); err != nil {
			return fmt.Errorf("configure s3 secret: %w", err)
		}
	}

	attach, err := attachSQL(t.cfg)
	if err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, attach); err != nil {
		return fmt.Errorf("attach ducklake catalog: %w", err)
	}
	t.logger.Info("attached ducklake catalog",
		"catalog", t.cfg.CatalogName,
		"type", t.cfg.CatalogType,
		"data_path", t.cfg.DataPath,
	)

	schema := quoteIdent(t.cfg.CatalogName) + "." + quoteIdent(t.cfg.Schema)
	t.name = schema + "." + quoteIdent(t.cfg.Table)
	return t.createTable(ctx, schema)
}

func (t *Table) createTable(ctx context.Context, schema string) error {
	if _, err := t.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	key := ""
	if t.keyed {
		key = ",\n\t\tPRIMARY KEY (asset_id, ts)"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		asset_id VARCHAR NOT NULL,
		ts TIMESTAMP NOT NULL,
		price %[2]s NOT NULL,
		volume %[2]s,
		market_cap %[2]s,
		source_version INTEGER,
		ingested_at TIMESTAMP%[3]s
	)`, t.name, decimalType, key)
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Name returns the fully qualified table name.
func (t *Table) Name() string {
	return t.name
}

// ReadExistingKeys returns the landed timestamps for assetID within tr.
func (t *Table) ReadExistingKeys(ctx context.Context, assetID string, tr model.TimeRange) (map[time.Time]struct{}, error) {
	keys := make(map[time.Time]struct{})
	if tr.IsZero() {
		return keys, nil
	}

	query := fmt.Sprintf("SELECT ts FROM %s WHERE asset_id = ? AND ts BETWEEN ? AND ?", t.name)
	rows, err := t.db.QueryContext(ctx, query, assetID, tr.Start.UTC(), tr.End.UTC())
	if err != nil {
		return nil, WrapError("read keys", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, WrapError("scan key", err)
		}
		keys[ts.UTC()] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("read keys", err)
	}
	return keys, nil
}

// AppendOrUpsert lands rows in one transaction. Rows whose key is already
// present are replaced, and a repeated key within rows keeps its last value.
// Either every row becomes visible or none does.
//
// Commits are serialized per process and, with WithCommitLock, per asset
// across processes, so an existing key is always seen and replaced rather
// than landed twice.
func (t *Table) AppendOrUpsert(ctx context.Context, rows []model.CanonicalRecord) (CommitResult, error) {
	if len(rows) == 0 {
		return CommitResult{}, nil
	}
	rows = lastPerKey(rows)

	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	if t.locker != nil {
		unlock, err := t.locker.Lock(ctx, t.lockKeys(rows))
		if err != nil {
			return CommitResult{}, WrapError("lock", err)
		}
		defer unlock()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, WrapError("begin", err)
	}
	defer tx.Rollback()

	replaced, err := t.replaceKeys(ctx, tx, rows)
	if err != nil {
		return CommitResult{}, err
	}

	ingestedAt := t.now().UTC()
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		if err := t.insertRows(ctx, tx, rows[start:end], ingestedAt); err != nil {
			return CommitResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, WrapError("commit", err)
	}

	return CommitResult{
		Inserted: len(rows),
		Replaced: replaced,
		Range:    model.Batch(rows).Range(),
	}, nil
}

// replaceKeys returns how many keys of rows are already landed. On keyed
// tables they are left for the insert's ON CONFLICT clause; otherwise they
// are deleted here.
func (t *Table) replaceKeys(ctx context.Context, tx *sql.Tx, rows []model.CanonicalRecord) (int, error) {
	byAsset := make(map[string][]any)
	var order []string
	for _, r := range rows {
		if _, ok := byAsset[r.AssetID]; !ok {
			order = append(order, r.AssetID)
		}
		byAsset[r.AssetID] = append(byAsset[r.AssetID], r.Timestamp.UTC())
	}

	replaced := 0
	for _, asset := range order {
		ts := byAsset[asset]
		for start := 0; start < len(ts); start += insertChunk {
			chunk := ts[start:min(start+insertChunk, len(ts))]
			args := append([]any{asset}, chunk...)
			where := fmt.Sprintf("WHERE asset_id = ? AND ts IN (%s)", placeholders(len(chunk)))

			if t.keyed {
				var n int
				query := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", t.name, where)
				if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
					return 0, WrapError("count existing", err)
				}
				replaced += n
				continue
			}

			res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s %s", t.name, where), args...)
			if err != nil {
				return 0, WrapError("delete existing", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, WrapError("delete existing", err)
			}
			replaced += int(n)
		}
	}
	return replaced, nil
}

// lockKeys names the advisory locks for the assets in rows.
func (t *Table) lockKeys(rows []model.CanonicalRecord) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range rows {
		if !seen[r.AssetID] {
			seen[r.AssetID] = true
			keys = append(keys, t.cfg.Schema+"."+t.cfg.Table+"/"+r.AssetID)
		}
	}
	return keys
}

// lastPerKey drops all but the last row of each repeated key. Survivors keep
// the position of the first occurrence.
func lastPerKey(rows []model.CanonicalRecord) []model.CanonicalRecord {
	pos := make(map[model.Key]int, len(rows))
	out := make([]model.CanonicalRecord, 0, len(rows))
	for _, r := range rows {
		if i, ok := pos[r.Key()]; ok {
			out[i] = r
			continue
		}
		pos[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}

func (t *Table) insertRows(ctx context.Context, tx *sql.Tx, rows []model.CanonicalRecord, ingestedAt time.Time) error {
	value := fmt.Sprintf("(?, ?, CAST(? AS %[1]s), CAST(? AS %[1]s), CAST(? AS %[1]s), ?, ?)", decimalType)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.name)
	b.WriteString(" (asset_id, ts, price, volume, market_cap, source_version, ingested_at) VALUES ")

	args := make([]any, 0, len(rows)*7)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(value)
		args = append(args,
			r.AssetID,
			r.Timestamp.UTC(),
			r.Price.String(),
			r.Volume.String(),
			r.MarketCap.String(),
			r.SourceVersion,
			ingestedAt,
		)
	}

	if t.keyed {
		b.WriteString(` ON CONFLICT (asset_id, ts) DO UPDATE SET
			price = EXCLUDED.price,
			volume = EXCLUDED.volume,
			market_cap = EXCLUDED.market_cap,
			source_version = EXCLUDED.source_version,
			ingested_at = EXCLUDED.ingested_at`)
	}

	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		return WrapError("insert", err)
	}
	return nil
}

// Count returns the number of landed rows for assetID.
func (t *Table) Count(ctx context.Context, assetID string) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE asset_id = ?", t.name)
	if err := t.db.QueryRowContext(ctx, query, assetID).Scan(&n); err != nil {
		return 0, WrapError("count", err)
	}
	return n, nil
}

// Rows returns every landed row for assetID ordered by timestamp.
func (t *Table) Rows(ctx context.Context, assetID string) ([]model.CanonicalRecord, error) {
	query := fmt.Sprintf(`SELECT asset_id, ts,
		CAST(price AS VARCHAR),
		CAST(COALESCE(volume, 0) AS VARCHAR),
		CAST(COALESCE(market_cap, 0) AS VARCHAR),
		COALESCE(source_version, 0)
		FROM %s WHERE asset_id = ? ORDER BY ts`, t.name)

	rows, err := t.db.QueryContext(ctx, query, assetID)
	if err != nil {
		return nil, WrapError("read rows", err)
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		var (
			r                        model.CanonicalRecord
			price, volume, marketCap string
		)
		if err := rows.Scan(&r.AssetID, &r.Timestamp, &price, &volume, &marketCap, &r.SourceVersion); err != nil {
			return nil, WrapError("scan row", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		if r.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if r.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("parse volume %q: %w", volume, err)
		}
		if r.MarketCap, err = decimal.NewFromString(marketCap); err != nil {
			return nil, fmt.Errorf("parse market cap %q: %w", marketCap, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("read rows", err)
	}
	return out, nil
}

// Close releases the DuckDB instance.
func (t *Table) Close() error {
	return t.db.Close()
}

func attachSQL(cfg Config) (string, error) {
	var catalog string
	switch cfg.CatalogType {
	case CatalogPostgres:
		if cfg.CatalogDSN == "" {
			return "", fmt.Errorf("postgres catalog requires a dsn")
		}
		catalog = "ducklake:postgres:" + cfg.CatalogDSN
	case CatalogDuckDB:
		if cfg.CatalogPath == "" {
			return "", fmt.Errorf("duckdb catalog requires a path")
		}
		catalog = "ducklake:" + cfg.CatalogPath
	default:
		return "", fmt.Errorf("unknown catalog type %q", cfg.CatalogType)
	}

	if cfg.DataPath == "" {
		return fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s",
			quoteLiteral(catalog), quoteIdent(cfg.CatalogName)), nil
	}
	return fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s (DATA_PATH %s)",
		quoteLiteral(catalog), quoteIdent(cfg.CatalogName), quoteLiteral(cfg.DataPath)), nil
}

func secretSQL(s3 S3Config) string {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(s3.Endpoint, "https://"), "http://")
	return fmt.Sprintf(`CREATE OR REPLACE SECRET lake_s3 (
		TYPE S3,
		KEY_ID %s,
		SECRET %s,
		REGION %s,
		ENDPOINT %s,
		URL_STYLE 'path',
		USE_SSL %t
	)`, quoteLiteral(s3.AccessKey), quoteLiteral(s3.SecretKey),
		quoteLiteral(s3.Region), quoteLiteral(endpoint), s3.UseSSL)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

package lake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinlake/coinlake/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openMemory(t *testing.T) *Table {
	t.Helper()
	tbl, err := Open(context.Background(), Config{
		CatalogType: CatalogMemory,
		Schema:      "crypto",
		Table:       "market_data",
	}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func rec(asset string, offset time.Duration, price string) model.CanonicalRecord {
	return model.CanonicalRecord{
		AssetID:       asset,
		Timestamp:     t0.Add(offset),
		Price:         decimal.RequireFromString(price),
		Volume:        decimal.RequireFromString("1000.5"),
		MarketCap:     decimal.RequireFromString("123456789.25"),
		SourceVersion: 1,
	}
}

func TestAppendOrUpsert_Insert(t *testing.T) {
	tbl := openMemory(t)
	ctx := context.Background()

	batch := []model.CanonicalRecord{
		rec("bitcoin", 0, "42000.12"),
		rec("bitcoin", time.Hour, "42100.5"),
	}
	res, err := tbl.AppendOrUpsert(ctx, batch)
	if err != nil {
		t.Fatalf("AppendOrUpsert() error = %v", err)
	}
	if res.Inserted != 2 || res.Replaced != 0 {
		t.Errorf("Inserted/Replaced = %d/%d, want 2/0", res.Inserted, res.Replaced)
	}
	if !res.Range.Start.Equal(t0) || !res.Range.End.Equal(t0.Add(time.Hour)) {
		t.Errorf("Range = %+v, want [%v, %v]", res.Range, t0, t0.Add(time.Hour))
	}

	rows, err := tbl.Rows(ctx, "bitcoin")
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Rows() len = %d, want 2", len(rows))
	}
	for i, want := range batch {
		if !rows[i].Equal(want) {
			t.Errorf("rows[%d] = %+v, want %+v", i, rows[i], want)
		}
	}
}

func TestAppendOrUpsert_ReplacesExistingKeys(t *testing.T) {
	tbl := openMemory(t)
	ctx := context.Background()

	if _, err := tbl.AppendOrUpsert(ctx, []model.CanonicalRecord{rec("bitcoin", 0, "1")}); err != nil {
		t.Fatalf("first AppendOrUpsert() error = %v", err)
	}

	res, err := tbl.AppendOrUpsert(ctx, []model.CanonicalRecord{
		rec("bitcoin", 0, "2"),
		rec("bitcoin", time.Minute, "3"),
	})
	if err != nil {
		t.Fatalf("second AppendOrUpsert() error = %v", err)
	}
	if res.Replaced != 1 {
		t.Errorf("Replaced = %d, want 1", res.Replaced)
	}

	n, err := tbl.Count(ctx, "bitcoin")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Count() = %d, want 2 (no duplicate keys)", n)
	}

	rows, err := tbl.Rows(ctx, "bitcoin")
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if !rows[0].Price.Equal(decimal.NewFromInt(2)) {
		t.Errorf("rows[0].Price = %s, want 2", rows[0].Price)
	}
}

func TestAppendOrUpsert_ConcurrentSameKey(t *testing.T) {
	locker := &countingLocker{}
	tbl, err := Open(context.Background(), Config{
		CatalogType: CatalogMemory,
		Schema:      "crypto",
		Table:       "market_data",
	}, nil, WithCommitLock(locker))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	ctx := context.Background()

	const rounds = 50
	for i := 0; i < rounds; i++ {
		offset := time.Duration(i) * time.Minute

		var wg sync.WaitGroup
		errs := make([]error, 2)
		replaced := make([]int, 2)
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := tbl.AppendOrUpsert(ctx, []model.CanonicalRecord{rec("bitcoin", offset, "42000")})
				errs[w], replaced[w] = err, res.Replaced
			}()
		}
		wg.Wait()

		for w, err := range errs {
			if err != nil {
				t.Fatalf("round %d writer %d: AppendOrUpsert() error = %v", i, w, err)
			}
		}
		if replaced[0]+replaced[1] != 1 {
			t.Errorf("round %d: Replaced = %v, want exactly one writer to replace", i, replaced)
		}
	}

	n, err := tbl.Count(ctx, "bitcoin")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != rounds {
		t.Errorf("Count() = %d, want %d (one row per key)", n, rounds)
	}
	if locker.overlap {
		t.Error("two commits held the commit lock at once")
	}
}

func TestAppendOrUpsert_RepeatedKeyLastWins(t *testing.T) {
	tbl := openMemory(t)
	ctx := context.Background()

	res, err := tbl.AppendOrUpsert(ctx, []model.CanonicalRecord{
		rec("bitcoin", 0, "1"),
		rec("bitcoin", time.Hour, "2"),
		rec("bitcoin", 0, "3"),
	})
	if err != nil {
		t.Fatalf("AppendOrUpsert() error = %v", err)
	}
	if res.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", res.Inserted)
	}

	rows, err := tbl.Rows(ctx, "bitcoin")
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 2 || !rows[0].Price.Equal(decimal.NewFromInt(3)) {
		t.Errorf("rows = %+v, want 2 rows with the first priced 3", rows)
	}
}

func TestAppendOrUpsert_Empty(t *testing.T) {
	tbl := openMemory(t)
	res, err := tbl.AppendOrUpsert(context.Background(), nil)
	if err != nil {
		t.Fatalf("AppendOrUpsert(nil) error = %v", err)
	}
	if res.Inserted != 0 || !res.Range.IsZero() {
		t.Errorf("AppendOrUpsert(nil) = %+v, want zero result", res)
	}
}

func TestAppendOrUpsert_LargeBatchChunks(t *testing.T) {
	tbl := openMemory(t)
	ctx := context.Background()

	var batch []model.CanonicalRecord
	for i := 0; i < insertChunk*2+7; i++ {
		batch = append(batch, rec("ethereum", time.Duration(i)*time.Minute, "2200"))
	}
	if _, err := tbl.AppendOrUpsert(ctx, batch); err != nil {
		t.Fatalf("AppendOrUpsert() error = %v", err)
	}

	res, err := tbl.AppendOrUpsert(ctx, batch)
	if err != nil {
		t.Fatalf("re-AppendOrUpsert() error = %v", err)
	}
	if res.Replaced != len(batch) {
		t.Errorf("Replaced = %d, want %d", res.Replaced, len(batch))
	}

	n, err := tbl.Count(ctx, "ethereum")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != len(batch) {
		t.Errorf("Count() = %d, want %d", n, len(batch))
	}
}

func TestReadExistingKeys(t *testing.T) {
	tbl := openMemory(t)
	ctx := context.Background()

	_, err := tbl.AppendOrUpsert(ctx, []model.CanonicalRecord{
		rec("bitcoin", 0, "1"),
		rec("bitcoin", time.Hour, "2"),
		rec("bitcoin", 2*time.Hour, "3"),
		rec("ethereum", time.Hour, "4"),
	})
	if err != nil {
		t.Fatalf("AppendOrUpsert() error = %v", err)
	}

	keys, err := tbl.ReadExistingKeys(ctx, "bitcoin", model.TimeRange{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("ReadExistingKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("len(keys) = %d, want 2 (inclusive range, asset scoped)", len(keys))
	}
	for _, want := range []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour)} {
		if _, ok := keys[want]; !ok {
			t.Errorf("keys missing %v", want)
		}
	}

	keys, err = tbl.ReadExistingKeys(ctx, "bitcoin", model.TimeRange{})
	if err != nil {
		t.Fatalf("ReadExistingKeys(zero) error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("ReadExistingKeys(zero) = %d keys, want 0", len(keys))
	}
}

func TestAttachSQL(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{
			name: "postgres catalog",
			cfg: Config{
				CatalogType: CatalogPostgres,
				CatalogDSN:  "postgres://u:p@db:5432/lake?sslmode=disable",
				CatalogName: "lake",
				DataPath:    "s3://crypto-lake/",
			},
			want: `ATTACH IF NOT EXISTS 'ducklake:postgres:postgres://u:p@db:5432/lake?sslmode=disable' AS "lake" (DATA_PATH 's3://crypto-lake/')`,
		},
		{
			name: "duckdb catalog without data path",
			cfg:  Config{CatalogType: CatalogDuckDB, CatalogPath: "meta.ducklake", CatalogName: "lake"},
			want: `ATTACH IF NOT EXISTS 'ducklake:meta.ducklake' AS "lake"`,
		},
		{
			name:    "postgres without dsn",
			cfg:     Config{CatalogType: CatalogPostgres, CatalogName: "lake"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     Config{CatalogType: "sqlite"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := attachSQL(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("attachSQL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("attachSQL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSecretSQL_EscapesQuotes(t *testing.T) {
	got := secretSQL(S3Config{
		Endpoint:  "http://minio:9000",
		AccessKey: "key",
		SecretKey: "it's",
		Region:    "us-east-1",
	})
	if !strings.Contains(got, "SECRET 'it''s'") {
		t.Errorf("secretSQL() did not escape quote: %s", got)
	}
	if !strings.Contains(got, "ENDPOINT 'minio:9000'") {
		t.Errorf("secretSQL() should strip scheme: %s", got)
	}
	if !strings.Contains(got, "USE_SSL false") {
		t.Errorf("secretSQL() missing USE_SSL: %s", got)
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantConflict  bool
		wantRetryable bool
	}{
		{"conflict", errors.New("TransactionContext Error: Failed to commit: write-write conflict on key"), true, true},
		{"io error", errors.New("IO Error: Connection error for HTTP PUT"), false, true},
		{"binder", errors.New("Binder Error: column not found"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapError("commit", tt.err)

			var se *StorageError
			if !errors.As(err, &se) {
				t.Fatalf("WrapError() = %T, want *StorageError", err)
			}
			if got := errors.Is(err, ErrConflict); got != tt.wantConflict {
				t.Errorf("errors.Is(ErrConflict) = %v, want %v", got, tt.wantConflict)
			}
			if se.Retryable() != tt.wantRetryable {
				t.Errorf("Retryable() = %v, want %v", se.Retryable(), tt.wantRetryable)
			}
			if !errors.Is(err, tt.err) {
				t.Error("wrapped error should unwrap to the original")
			}
		})
	}

	if WrapError("x", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coinlake/coinlake/internal/model"
)

// Store loads and saves watermarks.
type Store interface {
	// Load returns the saved watermark and whether one exists.
	Load(ctx context.Context, assetID string) (model.Watermark, bool, error)
	Save(ctx context.Context, w model.Watermark) error
}

// -----------------------------------------------------------------------------
// PostgreSQL
// -----------------------------------------------------------------------------

// DB is the subset of *pgxpool.Pool used by PGStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS ingest_watermarks (
		asset_id          TEXT PRIMARY KEY,
		last_committed_ts TIMESTAMPTZ,
		last_page_cursor  TEXT,
		updated_at        TIMESTAMPTZ NOT NULL
	)`

const loadSQL = `
	SELECT last_committed_ts, last_page_cursor, updated_at
	FROM ingest_watermarks
	WHERE asset_id = $1`

// saveSQL never moves last_committed_ts backwards, even when two processes
// race on the same asset. The cursor follows the winning timestamp.
const saveSQL = `
	INSERT INTO ingest_watermarks (asset_id, last_committed_ts, last_page_cursor, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (asset_id) DO UPDATE SET
		last_committed_ts = GREATEST(ingest_watermarks.last_committed_ts, EXCLUDED.last_committed_ts),
		last_page_cursor = CASE
			WHEN ingest_watermarks.last_committed_ts IS NULL
				OR EXCLUDED.last_committed_ts IS NULL
				OR EXCLUDED.last_committed_ts >= ingest_watermarks.last_committed_ts
			THEN EXCLUDED.last_page_cursor
			ELSE ingest_watermarks.last_page_cursor
		END,
		updated_at = EXCLUDED.updated_at`

// PGStore keeps watermarks in the ingest_watermarks control table.
type PGStore struct {
	db DB
}

// NewPGStore creates a PGStore. Call EnsureSchema before first use.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the control table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create ingest_watermarks: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context, assetID string) (model.Watermark, bool, error) {
	var (
		ts      *time.Time
		cursor  *string
		updated time.Time
	)
	err := s.db.QueryRow(ctx, loadSQL, assetID).Scan(&ts, &cursor, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Watermark{AssetID: assetID}, false, nil
	}
	if err != nil {
		return model.Watermark{}, false, fmt.Errorf("load watermark %s: %w", assetID, err)
	}

	w := model.Watermark{
		AssetID:        assetID,
		LastPageCursor: cursor,
		UpdatedAt:      updated.UTC(),
	}
	if ts != nil {
		w.LastCommittedTimestamp = ts.UTC()
	}
	return w, true, nil
}

func (s *PGStore) Save(ctx context.Context, w model.Watermark) error {
	var ts *time.Time
	if !w.LastCommittedTimestamp.IsZero() {
		t := w.LastCommittedTimestamp.UTC()
		ts = &t
	}
	if _, err := s.db.Exec(ctx, saveSQL, w.AssetID, ts, w.LastPageCursor, w.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("save watermark %s: %w", w.AssetID, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// File
// -----------------------------------------------------------------------------

type fileEntry struct {
	LastCommittedTimestamp *time.Time `json:"last_committed_timestamp,omitempty"`
	LastPageCursor         *string    `json:"last_page_cursor,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// FileStore keeps all watermarks in one JSON file. Saves replace the file
// atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context, assetID string) (model.Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return model.Watermark{}, false, err
	}
	e, ok := entries[assetID]
	if !ok {
		return model.Watermark{AssetID: assetID}, false, nil
	}

	w := model.Watermark{
		AssetID:        assetID,
		LastPageCursor: e.LastPageCursor,
		UpdatedAt:      e.UpdatedAt.UTC(),
	}
	if e.LastCommittedTimestamp != nil {
		w.LastCommittedTimestamp = e.LastCommittedTimestamp.UTC()
	}
	return w, true, nil
}

func (s *FileStore) Save(ctx context.Context, w model.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}

	e := fileEntry{LastPageCursor: w.LastPageCursor, UpdatedAt: w.UpdatedAt.UTC()}
	if !w.LastCommittedTimestamp.IsZero() {
		ts := w.LastCommittedTimestamp.UTC()
		e.LastCommittedTimestamp = &ts
	}
	entries[w.AssetID] = e

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watermarks: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp watermark file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write watermarks: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync watermarks: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close watermarks: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace watermark file: %w", err)
	}
	return nil
}

func (s *FileStore) read() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermark file: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse watermark file: %w", err)
	}
	return entries, nil
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// MemoryStore keeps watermarks for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]model.Watermark
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]model.Watermark)}
}

func (s *MemoryStore) Load(ctx context.Context, assetID string) (model.Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.marks[assetID]
	if !ok {
		return model.Watermark{AssetID: assetID}, false, nil
	}
	return copyWatermark(w), true, nil
}

func (s *MemoryStore) Save(ctx context.Context, w model.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[w.AssetID] = copyWatermark(w)
	return nil
}

func copyWatermark(w model.Watermark) model.Watermark {
	if w.LastPageCursor != nil {
		c := *w.LastPageCursor
		w.LastPageCursor = &c
	}
	return w
}

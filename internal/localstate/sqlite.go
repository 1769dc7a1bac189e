// Package localstate persists device-local state in SQLite: the level-up
// watermark per user and the last known rows of each store for warm start.
package localstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoSnapshot is returned when a store has never been cached.
var ErrNoSnapshot = errors.New("no cached snapshot")

// Store is the SQLite-backed local state database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path, applies pragmas and
// runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LevelWatermark returns the highest level announced to userID on this
// device, or 0.
func (s *Store) LevelWatermark(ctx context.Context, userID string) (int, error) {
	var level int
	err := s.db.QueryRowContext(ctx,
		`SELECT level FROM level_watermarks WHERE user_id = ?`, userID,
	).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return level, nil
}

// SaveLevelWatermark records level for userID. The stored value never
// decreases.
func (s *Store) SaveLevelWatermark(ctx context.Context, userID string, level int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO level_watermarks (user_id, level, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			level = MAX(level, excluded.level),
			updated_at = excluded.updated_at
	`, userID, level, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// Row is one cached entity.
type Row struct {
	ID   string
	Body json.RawMessage
}

// SnapshotInfo describes a cached store.
type SnapshotInfo struct {
	Store   string    `json:"store"`
	Count   int       `json:"count"`
	SavedAt time.Time `json:"saved_at"`
}

// SaveRows replaces the cached rows of store, keeping their order.
func (s *Store) SaveRows(ctx context.Context, store string, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_rows WHERE store = ?`, store); err != nil {
		return fmt.Errorf("clear %s: %w", store, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cached_rows (store, id, position, body) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, store, r.ID, i, string(r.Body)); err != nil {
			return fmt.Errorf("cache %s/%s: %w", store, r.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_snapshots (store, item_count, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(store) DO UPDATE SET
			item_count = excluded.item_count,
			saved_at = excluded.saved_at
	`, store, len(rows), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record snapshot %s: %w", store, err)
	}
	return tx.Commit()
}

// LoadRows returns the cached rows of store in their saved order. It
// returns ErrNoSnapshot if the store was never saved.
func (s *Store) LoadRows(ctx context.Context, store string) ([]Row, error) {
	if _, err := s.Info(ctx, store); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body FROM cached_rows WHERE store = ? ORDER BY position`, store)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", store, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var body string
		if err := rows.Scan(&r.ID, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", store, err)
		}
		r.Body = json.RawMessage(body)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Info returns when store was last cached.
func (s *Store) Info(ctx context.Context, store string) (SnapshotInfo, error) {
	info := SnapshotInfo{Store: store}
	var savedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT item_count, saved_at FROM cache_snapshots WHERE store = ?`, store,
	).Scan(&info.Count, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("%s: %w", store, ErrNoSnapshot)
	}
	if err != nil {
		return info, fmt.Errorf("snapshot info %s: %w", store, err)
	}
	info.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return info, fmt.Errorf("parse saved_at: %w", err)
	}
	return info, nil
}

// ClearRows drops every cached row, for example on sign-out.
func (s *Store) ClearRows(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{`DELETE FROM cached_rows`, `DELETE FROM cache_snapshots`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	return tx.Commit()
}

// SaveItems encodes items and caches them under store.
func SaveItems[T any](ctx context.Context, s *Store, store string, items []T, id func(T) string) error {
	rows := make([]Row, 0, len(items))
	for _, it := range items {
		body, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode %s item: %w", store, err)
		}
		rows = append(rows, Row{ID: id(it), Body: body})
	}
	return s.SaveRows(ctx, store, rows)
}

// LoadItems decodes the cached rows of store.
func LoadItems[T any](ctx context.Context, s *Store, store string) ([]T, error) {
	rows, err := s.LoadRows(ctx, store)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var v T
		if err := json.Unmarshal(r.Body, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", store, r.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

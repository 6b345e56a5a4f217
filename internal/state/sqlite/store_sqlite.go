package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrPositionExists = errors.New("position already exists")

// Store implements the kv store and every repository on a single database.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		spot_entry_price REAL NOT NULL,
		futures_entry_price REAL NOT NULL,
		avg_spot_entry_price REAL NOT NULL,
		avg_futures_entry_price REAL NOT NULL,
		spot_qty REAL NOT NULL,
		futures_qty REAL NOT NULL,
		entry_spread_pct REAL NOT NULL,
		last_entry_spread_pct REAL NOT NULL,
		total_entries INTEGER NOT NULL DEFAULT 1,
		entry_time_ms INTEGER NOT NULL,
		last_addition_ms INTEGER,
		funding_payments_count INTEGER NOT NULL DEFAULT 0,
		low_fr_count INTEGER NOT NULL DEFAULT 0,
		soft_close_active INTEGER NOT NULL DEFAULT 0,
		last_funding_check_ms INTEGER,
		spot_order_id TEXT NOT NULL DEFAULT '',
		futures_order_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS closed_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		spot_entry_price REAL NOT NULL,
		futures_entry_price REAL NOT NULL,
		spot_exit_price REAL NOT NULL,
		futures_exit_price REAL NOT NULL,
		spot_qty REAL NOT NULL,
		futures_qty REAL NOT NULL,
		entry_spread_pct REAL NOT NULL,
		close_spread_pct REAL NOT NULL,
		total_entries INTEGER NOT NULL,
		funding_rounds INTEGER NOT NULL,
		soft_close INTEGER NOT NULL,
		entry_time_ms INTEGER NOT NULL,
		close_time_ms INTEGER NOT NULL,
		net_pnl REAL NOT NULL,
		price_pnl REAL NOT NULL,
		spot_pnl REAL NOT NULL,
		futures_pnl REAL NOT NULL,
		funding_pnl REAL NOT NULL,
		commission REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_closed_positions_close_time ON closed_positions (close_time_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_closed_positions_symbol ON closed_positions (symbol)`,
	`CREATE TABLE IF NOT EXISTS blacklist (
		symbol TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		error_code INTEGER,
		created_ms INTEGER NOT NULL
	)`,
}

func initSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

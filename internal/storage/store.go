package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotConfigured indicates the store was not opened.
var ErrNotConfigured = errors.New("storage: database not configured")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rate_type TEXT NOT NULL,
    scaled_value INTEGER NOT NULL,
    raw_value TEXT NOT NULL,
    reference_date INTEGER NOT NULL,
    reference_ts TEXT NOT NULL,
    fetch_ts TEXT NOT NULL,
    source TEXT NOT NULL,
    UNIQUE(rate_type, reference_date)
);

CREATE INDEX IF NOT EXISTS idx_rates_type_date ON rates(rate_type, reference_date DESC);

CREATE TABLE IF NOT EXISTS chain_updates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rate_type TEXT NOT NULL,
    tx_hash TEXT,
    block_number INTEGER,
    gas_used INTEGER,
    status TEXT NOT NULL,
    error_message TEXT,
    created_ts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chain_updates_ts ON chain_updates(created_ts DESC);

CREATE TABLE IF NOT EXISTS anomalies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rate_type TEXT NOT NULL,
    detected_ts TEXT NOT NULL,
    anomaly_type TEXT NOT NULL,
    current_value REAL,
    expected_range_low REAL,
    expected_range_high REAL,
    deviation_score REAL,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_anomalies_type_ts ON anomalies(rate_type, detected_ts DESC);

CREATE TABLE IF NOT EXISTS scheduler_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    started_ts TEXT NOT NULL,
    ended_ts TEXT,
    status TEXT NOT NULL,
    rates_processed INTEGER DEFAULT 0,
    rates_updated INTEGER DEFAULT 0,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_scheduler_runs_started ON scheduler_runs(started_ts DESC);
`

// Store persists observations, anomalies, chain updates, and scheduler runs
// in an embedded SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file (and parent directory) if needed, applies
// pragmas and the schema, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// All writes come from the single scheduler goroutine; one connection
	// avoids SQLITE_BUSY surprises from the pure-Go driver.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

func (s *Store) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

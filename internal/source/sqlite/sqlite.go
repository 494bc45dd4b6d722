package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"shopledger.org/internal/source"
)

// Queries reads the local offline copy kept by the point-of-sale app.
var Queries = source.Queries{
	Shopkeepers: `
		SELECT id, name, phone, contact, current_balance, is_active
		FROM shopkeepers
		ORDER BY id
	`,
	Receipts: `
		SELECT receipt_number, COALESCE(date, ''), COALESCE(total, 0),
		       COALESCE(received_amount, 0), shopkeeper_id
		FROM receipts
		ORDER BY rowid
	`,
}

// Schema matches the layout the app writes. EnsureSchema applies it for fresh
// files; existing tables are left alone.
const Schema = `
CREATE TABLE IF NOT EXISTS shopkeepers (
	id              INTEGER PRIMARY KEY,
	name            TEXT,
	phone           TEXT,
	contact         TEXT,
	current_balance REAL,
	is_active       INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS receipts (
	receipt_number  TEXT NOT NULL,
	date            TEXT,
	total           REAL,
	received_amount REAL,
	shopkeeper_id   INTEGER REFERENCES shopkeepers(id)
);
`

// Open opens the database file read-mostly with WAL so the app can keep writing.
func Open(path string) (*source.SQL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return source.NewSQL(db, Queries), nil
}

// EnsureSchema creates the tables when missing.
func EnsureSchema(ctx context.Context, s *source.SQL) error {
	if _, err := s.DB().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

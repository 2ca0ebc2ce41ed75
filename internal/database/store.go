package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store handles the gateway's own database: the sqlite session backend and
// the connection transition log
type Store struct {
	db *sql.DB
}

// NewStore opens (and creates if needed) the SQLite database at dsn
func NewStore(dsn string) (*Store, error) {
	if err := EnsureDir(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err = runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// EnsureDir creates the directory holding the database file of dsn
func EnsureDir(dsn string) error {
	if dir := dsnDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}

// dsnDir returns the directory of a file DSN such as "file:store/x.db?_foreign_keys=on"
func dsnDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	path, _, _ = strings.Cut(path, "?")
	if path == "" || path == ":memory:" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// runMigrations applies schema updates to databases created by older versions
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE connection_events ADD COLUMN instance TEXT`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add connection_events.instance: %w", err)
	}
	return nil
}

// createTables creates all necessary database tables
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_records (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS connection_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			event TEXT NOT NULL,
			reason TEXT,
			retry_count INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_created ON connection_events(created_at);
	`)
	return err
}

// Close the database connection
func (store *Store) Close() error {
	return store.db.Close()
}

// GetDB returns the underlying database connection for direct access
func (store *Store) GetDB() *sql.DB {
	return store.db
}

package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
)

// InitDB initializes the SQLite database connection and runs schema migrations.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		var err error
		db, err = sql.Open("sqlite3", dbPath)
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}

		// The hub writes from many connection goroutines
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			initErr = fmt.Errorf("failed to enable WAL mode: %w", err)
			return
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			initErr = fmt.Errorf("failed to set busy timeout: %w", err)
			return
		}

		if err := runMigrations(db); err != nil {
			initErr = fmt.Errorf("failed to run migrations: %w", err)
			return
		}
	})

	if initErr != nil {
		return nil, initErr
	}
	return db, nil
}

// GetDB returns the initialized database connection.
func GetDB() *sql.DB {
	return db
}

// runMigrations creates the connection audit schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		remote_addr TEXT NOT NULL,
		user_agent TEXT,
		subscriptions TEXT NOT NULL DEFAULT '[]',
		connected_at DATETIME NOT NULL,
		disconnected_at DATETIME,
		close_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_connections_connected_at ON connections(connected_at);
	CREATE INDEX IF NOT EXISTS idx_connections_disconnected_at ON connections(disconnected_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// ResetDB resets the singleton for testing purposes.
func ResetDB() {
	if db != nil {
		db.Close()
	}
	once = sync.Once{}
	db = nil
}

// NewTestDB creates a new in-memory database for testing.
// Each call returns an independent database.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection to :memory: would see its own empty database
	testDB.SetMaxOpenConns(1)

	if err := runMigrations(testDB); err != nil {
		testDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return testDB, nil
}

// Package db journals position state transitions and source failures to a
// local SQLite database.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crew-runner/tracker/internal/monitoring"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout sorts lexicographically and is understood by SQLite's datetime().
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DB wraps a SQLite connection with write serialization.
type DB struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// Connect opens a SQLite database in WAL mode.
func Connect(dbPath string) (*DB, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection plus writeMu avoids nested
	// transaction errors when cleanup runs alongside the journal.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			monitoring.Logf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	monitoring.Logf("Connected to SQLite database: %s", dbPath)
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// EnsureSchema creates the journal tables if they don't exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

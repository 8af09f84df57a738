// Package db opens and migrates the kernel's relational store. Two
// backends share one code path: a local SQLite file (modernc.org/sqlite,
// cgo-free) for single-node deployments, and a remote libSQL/Turso
// database selected by URL scheme. All repository writes funnel through
// WriteMutex, so the pools below are tuned for many readers and exactly
// one writer.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// WriteMutex serializes every write against the store. SQLite allows a
// single writer even in WAL mode; taking this lock before INSERT/UPDATE
// turns would-be SQLITE_BUSY errors into brief waits. The per-instance
// mutexes in internal/registry order an instance's operations above this
// layer; WriteMutex orders the statements themselves.
var WriteMutex sync.Mutex

// DB wraps the shared *sql.DB handle.
type DB struct {
	conn *sql.DB
}

// New opens databaseURL, picking the backend from its scheme:
// libsql://, http://, or https:// select the remote libSQL driver, and
// anything else is treated as a local SQLite file path.
func New(databaseURL string) (*DB, error) {
	if isRemoteURL(databaseURL) {
		return openRemote(databaseURL)
	}
	return openFile(databaseURL)
}

func isRemoteURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "libsql://") ||
		strings.HasPrefix(databaseURL, "http://") ||
		strings.HasPrefix(databaseURL, "https://")
}

// openRemote connects to a libSQL/Turso database. URL format:
// libsql://host?authToken=token.
func openRemote(databaseURL string) (*DB, error) {
	conn, err := sql.Open("libsql", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open libsql database: %w", err)
	}

	// Remote round trips dominate here, so the pool is wider than the
	// local one; writes are still single-file through WriteMutex.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to libsql database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// openFile opens (creating if needed) a local SQLite database, retrying
// the initial ping with exponential backoff so several kernel processes
// can race to open the same file at boot.
func openFile(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	var conn *sql.DB
	const maxAttempts = 5
	delay := 100 * time.Millisecond

	for attempt := 1; ; attempt++ {
		var err error
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		// Event appends and workflow updates are short transactions;
		// readers (query/replay/report paths) dominate concurrency.
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if err = conn.Ping(); err == nil {
			break
		}
		conn.Close()
		if attempt == maxAttempts {
			return nil, fmt.Errorf("ping database after %d attempts: %w", maxAttempts, err)
		}
		time.Sleep(delay)
		delay *= 2
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		// WAL lets query/replay readers proceed while an append commits.
		"PRAGMA journal_mode = WAL",
		// Wait out a concurrent writer instead of failing the statement.
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return &DB{conn: conn}, nil
}

// Close drains the pool and closes the handle.
func (db *DB) Close() error {
	db.conn.SetMaxOpenConns(0)
	db.conn.SetMaxIdleConns(0)
	db.conn.SetConnMaxLifetime(0)
	return db.conn.Close()
}

// Conn exposes the underlying handle to the repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Migrate applies the embedded migrations.
func (db *DB) Migrate() error {
	return RunMigrations(db.conn)
}

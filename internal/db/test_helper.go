package db

import (
	"path/filepath"
	"testing"
)

// NewTest opens a throwaway database under tb's temp directory, applies
// the embedded migrations, and closes it when the test finishes. Every
// package-level test suite builds its fixtures on this.
func NewTest(tb testing.TB) *DB {
	tb.Helper()

	database, err := New(filepath.Join(tb.TempDir(), "kernel.db"))
	if err != nil {
		tb.Fatalf("open test database: %v", err)
	}
	tb.Cleanup(func() { _ = database.Close() })

	if err := database.Migrate(); err != nil {
		tb.Fatalf("migrate test database: %v", err)
	}
	return database
}

// Package testing provides shared test infrastructure.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/loom/db"
)

// CreateTestDB creates a migrated SQLite test database in a temp directory.
// A file-backed database (rather than :memory:) keeps concurrent claim
// tests honest: every connection in the pool sees the same store, exactly
// as independent worker processes would. Cleanup is registered via
// t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "loom-test.db")
	database, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

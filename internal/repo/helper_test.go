package repo

import (
	"database/sql"
	"os"
	"testing"

	"github.com/covertsh/covert/internal/storage"
)

// setupDB returns a *sql.DB with the core schema applied, backed by a
// temporary encrypted pool.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()

	pool, cleanup, err := storage.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("NewForTest() error: %v", err)
	}
	t.Cleanup(cleanup)

	db, err := pool.DB()
	if err != nil {
		t.Fatalf("DB() error: %v", err)
	}

	schema, err := os.ReadFile("../../migrations/000001_core_schema.up.sql")
	if err != nil {
		t.Fatalf("reading schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return db
}

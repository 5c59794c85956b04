package backendpool

import (
	"context"
	"testing"

	"github.com/covertsh/covert/internal/storage"
)

func TestPoolScopesTablesByPrefix(t *testing.T) {
	ctx := context.Background()
	pool, cleanup, err := storage.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("NewForTest() error: %v", err)
	}
	defer cleanup()

	a := New("mount-a", "mnt_a_", pool)
	b := New("mount-b", "mnt_b_", pool)

	if _, err := a.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("a.Exec(create) error: %v", err)
	}
	if _, err := b.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("b.Exec(create) error: %v", err)
	}

	if _, err := a.Exec(ctx, `INSERT INTO items (id, value) VALUES (?, ?)`, "1", "from-a"); err != nil {
		t.Fatalf("a.Exec(insert) error: %v", err)
	}

	var value string
	if err := a.QueryRow(ctx, `SELECT value FROM items WHERE id = ?`, "1").Scan(&value); err != nil {
		t.Fatalf("a.QueryRow() error: %v", err)
	}
	if value != "from-a" {
		t.Errorf("value = %q, want from-a", value)
	}

	var count int
	if err := b.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&count); err != nil {
		t.Fatalf("b.QueryRow(count) error: %v", err)
	}
	if count != 0 {
		t.Errorf("b's items count = %d, want 0 (isolated from a)", count)
	}

	tables, err := pool.TablesWithPrefix(ctx, "mnt_a_")
	if err != nil {
		t.Fatalf("TablesWithPrefix() error: %v", err)
	}
	if len(tables) != 1 || tables[0] != "mnt_a_items" {
		t.Fatalf("TablesWithPrefix(mnt_a_) = %v, want [mnt_a_items]", tables)
	}

	if err := a.DropAllTables(ctx); err != nil {
		t.Fatalf("DropAllTables() error: %v", err)
	}
	if _, err := b.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&count); err != nil {
		t.Fatalf("b's table should survive a's DropAllTables: %v", err)
	}
}

func TestPoolRejectsDisallowedStatements(t *testing.T) {
	ctx := context.Background()
	pool, cleanup, err := storage.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("NewForTest() error: %v", err)
	}
	defer cleanup()

	p := New("mount-a", "mnt_a_", pool)
	if _, err := p.Exec(ctx, `PRAGMA journal_mode=WAL`); err == nil {
		t.Fatal("Exec(PRAGMA) = nil error, want rejection")
	}
}

func TestPoolApplyMigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool, cleanup, err := storage.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("NewForTest() error: %v", err)
	}
	defer cleanup()

	p := New("mount-a", "mnt_a_", pool)
	ddl := `CREATE TABLE widgets (id TEXT PRIMARY KEY)`
	if err := p.ApplyMigration(ctx, 1, ddl); err != nil {
		t.Fatalf("ApplyMigration() error: %v", err)
	}
	if err := p.ApplyMigration(ctx, 1, ddl); err != nil {
		t.Fatalf("ApplyMigration() reapply error: %v", err)
	}
	if _, err := p.Exec(ctx, `INSERT INTO widgets (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
}

package sqlrewrite

import (
	"strings"
	"testing"
)

func TestRewriteSimpleSelect(t *testing.T) {
	got, err := Rewrite("P_", "SELECT * FROM t WHERE t.x = 1")
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	want := "SELECT * FROM P_t WHERE P_t.x = 1"
	if got != want {
		t.Errorf("Rewrite() = %q, want %q", got, want)
	}
}

func TestRewriteAlterRenameRejected(t *testing.T) {
	_, err := Rewrite("P_", "ALTER TABLE t RENAME TO u")
	if err == nil {
		t.Fatal("expected ALTER ... RENAME to be rejected")
	}
}

func TestRewritePragmaRejected(t *testing.T) {
	_, err := Rewrite("P_", "PRAGMA foreign_keys = ON")
	if err == nil {
		t.Fatal("expected PRAGMA to be rejected")
	}
}

func TestRewriteAnalyzeRejected(t *testing.T) {
	_, err := Rewrite("P_", "ANALYZE t")
	if err == nil {
		t.Fatal("expected ANALYZE to be rejected")
	}
}

func TestRewriteCreateTable(t *testing.T) {
	got, err := Rewrite("P_", "CREATE TABLE secrets (id INTEGER PRIMARY KEY, key TEXT NOT NULL)")
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if !strings.Contains(got, "CREATE TABLE P_secrets") {
		t.Errorf("Rewrite() = %q, want table name prefixed", got)
	}
}

func TestRewriteJoinWithAlias(t *testing.T) {
	got, err := Rewrite("P_", "SELECT a.id FROM accounts a JOIN roles r ON a.role_id = r.id")
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	for _, want := range []string{"FROM P_accounts a", "JOIN P_roles r", "ON a.role_id = r.id"} {
		if !strings.Contains(got, want) {
			t.Errorf("Rewrite() = %q, want to contain %q", got, want)
		}
	}
}

func TestRewriteSystemForeignKey(t *testing.T) {
	got, err := Rewrite("P_", "CREATE TABLE entries (mount_id TEXT REFERENCES __SYSTEM__mounts(id))")
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if !strings.Contains(got, "REFERENCES mounts(id)") {
		t.Errorf("Rewrite() = %q, want unprefixed system table reference", got)
	}
}

func TestRewriteSystemForeignKeyRestrictRejected(t *testing.T) {
	_, err := Rewrite("P_", "CREATE TABLE entries (mount_id TEXT REFERENCES __SYSTEM__mounts(id) ON DELETE RESTRICT)")
	if err == nil {
		t.Fatal("expected RESTRICT on a __SYSTEM__ FK to be rejected")
	}
}

func TestRewriteInsertUpdateDelete(t *testing.T) {
	cases := []struct{ sql, want string }{
		{"INSERT INTO secrets (key, value) VALUES ('a', 'b')", "INSERT INTO P_secrets"},
		{"UPDATE secrets SET value = 'c' WHERE key = 'a'", "UPDATE P_secrets"},
		{"DELETE FROM secrets WHERE key = 'a'", "DELETE FROM P_secrets"},
	}
	for _, c := range cases {
		got, err := Rewrite("P_", c.sql)
		if err != nil {
			t.Fatalf("Rewrite(%q) error: %v", c.sql, err)
		}
		if !strings.Contains(got, c.want) {
			t.Errorf("Rewrite(%q) = %q, want to contain %q", c.sql, got, c.want)
		}
	}
}


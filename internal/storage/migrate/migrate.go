// Package migrate wires schema migrations for both the global system
// tables (via golang-migrate, the way the teacher's platform package wires
// it for its own Postgres schemas) and per-mount backend tables, tracked in
// a sibling `_mount_migrations` table keyed by (mount_id, version) per spec
// §6.3.
//
// golang-migrate's own migration table is a single scalar "version" per
// database/schema; it has no notion of a composite (mount_id, version) key,
// so it cannot track many independently-migrated mounts living in one
// SQLite file. Global migrations (the core system tables every mount needs
// before it exists) go through golang-migrate directly, configured to
// track its own applied version in `_BACKEND_STORAGE_MIGRATIONS`. Per-mount
// backend migrations are applied by ApplyMountMigration below against a
// sibling `_mount_migrations` table keyed by (mount_id, version) plus a
// checksum, in the spirit of golang-migrate's own dirty-tracking but
// shaped for the one-file-many-mounts layout golang-migrate cannot
// express directly.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/sqlrewrite"
)

// RunGlobalMigrations applies the core system schema (namespaces, mounts,
// policies, entities, aliases, tokens, leases) to the encrypted pool.
func RunGlobalMigrations(dbPath, masterKey, migrationsDir string) error {
	url := fmt.Sprintf("sqlite3://%s?_key=%s&x-migrations-table=_BACKEND_STORAGE_MIGRATIONS", dbPath, masterKey)
	m, err := migrate.New("file://"+migrationsDir, url)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "opening global migrations", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return coverterr.Wrap(coverterr.KindInternal, "applying global migrations", err)
	}
	return nil
}

// EnsureTrackingTable creates the `_mount_migrations` table used by
// ApplyMountMigration to track per-mount migration state independently of
// golang-migrate's own scalar-version bookkeeping.
func EnsureTrackingTable(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS _mount_migrations (
	mount_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (mount_id, version)
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating mount migrations table", err)
	}
	return nil
}

// ApplyMountMigration rewrites sqlText with the mount's storage prefix and
// applies it exactly once per (mountID, version), recording a checksum so a
// changed migration body is detected rather than silently skipped.
func ApplyMountMigration(ctx context.Context, db *sql.DB, mountID, prefix string, version int, sqlText string) error {
	if err := EnsureTrackingTable(ctx, db); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(sqlText))
	checksum := hex.EncodeToString(sum[:])

	var existing string
	err := db.QueryRowContext(ctx,
		"SELECT checksum FROM _mount_migrations WHERE mount_id = ? AND version = ?",
		mountID, version,
	).Scan(&existing)

	switch {
	case err == nil:
		if existing != checksum {
			return coverterr.New(coverterr.KindInternal, fmt.Sprintf("migration %d for mount %s changed after being applied", version, mountID))
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		// not yet applied
	default:
		return coverterr.Wrap(coverterr.KindInternal, "checking mount migration state", err)
	}

	rewritten, err := sqlrewrite.Rewrite(prefix, sqlText)
	if err != nil {
		return coverterr.Wrap(coverterr.KindBadRequest, "rewriting mount migration", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "beginning mount migration transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, rewritten); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "applying mount migration", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _mount_migrations (mount_id, version, checksum) VALUES (?, ?, ?)",
		mountID, version, checksum,
	); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "recording mount migration", err)
	}

	return tx.Commit()
}

// Package backendpool implements the BackendStoragePool (spec §9): a
// (prefix, pool-handle) pair that is the only storage access a backend ever
// sees. Every query is rewritten through internal/sqlrewrite before it
// reaches the shared encrypted pool, so a backend cannot see or touch
// another mount's tables even though they live in the same SQLite file.
package backendpool

import (
	"context"
	"database/sql"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/sqlrewrite"
	"github.com/covertsh/covert/internal/storage"
	"github.com/covertsh/covert/internal/storage/migrate"
)

// Pool scopes every query to a single mount's table prefix.
type Pool struct {
	mountID string
	prefix  string
	pool    *storage.Pool
}

// New returns a Pool scoped to prefix, backed by the shared encrypted pool.
func New(mountID, prefix string, pool *storage.Pool) *Pool {
	return &Pool{mountID: mountID, prefix: prefix, pool: pool}
}

// ApplyMigration applies a single versioned migration statement scoped to
// this mount's prefix, tracked independently per (mount, version) so each
// backend can carry its own schema history.
func (p *Pool) ApplyMigration(ctx context.Context, version int, sqlText string) error {
	db, err := p.pool.DB()
	if err != nil {
		return err
	}
	return migrate.ApplyMountMigration(ctx, db, p.mountID, p.prefix, version, sqlText)
}

// Exec rewrites sqlText for this mount's prefix and executes it.
func (p *Pool) Exec(ctx context.Context, sqlText string, args ...any) (sql.Result, error) {
	db, rewritten, err := p.prepare(sqlText)
	if err != nil {
		return nil, err
	}
	res, err := db.ExecContext(ctx, rewritten, args...)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "executing mount query", err)
	}
	return res, nil
}

// Query rewrites sqlText for this mount's prefix and runs it.
func (p *Pool) Query(ctx context.Context, sqlText string, args ...any) (*sql.Rows, error) {
	db, rewritten, err := p.prepare(sqlText)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, rewritten, args...)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "querying mount data", err)
	}
	return rows, nil
}

// QueryRow rewrites sqlText for this mount's prefix and runs it, returning
// a single row. Rewrite errors surface lazily via the returned Row's Scan
// (as context.Canceled), matching database/sql's QueryRow contract.
func (p *Pool) QueryRow(ctx context.Context, sqlText string, args ...any) *sql.Row {
	db, rewritten, err := p.prepare(sqlText)
	if err != nil {
		// database/sql has no way to fail QueryRow eagerly; issue the
		// query under an already-cancelled context so nothing reaches the
		// database and the caller's Scan reports context.Canceled rather
		// than the unrewritten text running against unprefixed tables.
		if db == nil {
			db, _ = p.pool.DB()
		}
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		return db.QueryRowContext(cancelled, sqlText, args...)
	}
	return db.QueryRowContext(ctx, rewritten, args...)
}

// BeginTx starts a transaction against the shared pool. Callers rewrite
// each statement themselves via Rewrite before executing against the
// returned *sql.Tx.
func (p *Pool) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return p.pool.BeginTx(ctx)
}

// Rewrite exposes the scoped rewrite for callers that need to run several
// statements against a single transaction.
func (p *Pool) Rewrite(sqlText string) (string, error) {
	return sqlrewrite.Rewrite(p.prefix, sqlText)
}

// Prefix returns this pool's table-name prefix.
func (p *Pool) Prefix() string { return p.prefix }

// DropAllTables drops every table for this mount's prefix, used when a
// mount is removed.
func (p *Pool) DropAllTables(ctx context.Context) error {
	tables, err := p.pool.TablesWithPrefix(ctx, p.prefix)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := p.pool.DropTable(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) prepare(sqlText string) (*sql.DB, string, error) {
	rewritten, err := sqlrewrite.Rewrite(p.prefix, sqlText)
	if err != nil {
		return nil, "", coverterr.Wrap(coverterr.KindBadRequest, "rewriting mount query", err)
	}
	db, err := p.pool.DB()
	if err != nil {
		return nil, "", err
	}
	return db, rewritten, nil
}

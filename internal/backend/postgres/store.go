package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
)

const migrationV1 = `
CREATE TABLE CONNECTION (
	lock INTEGER PRIMARY KEY DEFAULT 1 CHECK (lock = 1),
	connection_url TEXT NOT NULL,
	max_open_connections INTEGER NOT NULL
);
CREATE TABLE ROLES (
	name TEXT PRIMARY KEY,
	sql TEXT NOT NULL,
	revocation_sql TEXT NOT NULL
);`

type connectionConfig struct {
	ConnectionURL      string
	MaxOpenConnections int32
}

type connectionStore struct {
	pool *backendpool.Pool
}

func (s *connectionStore) set(ctx context.Context, cfg connectionConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT OR REPLACE INTO CONNECTION (lock, connection_url, max_open_connections) VALUES (1, ?, ?)`,
		cfg.ConnectionURL, cfg.MaxOpenConnections,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "writing connection config", err)
	}
	return nil
}

func (s *connectionStore) get(ctx context.Context) (*connectionConfig, error) {
	var cfg connectionConfig
	err := s.pool.QueryRow(ctx,
		`SELECT connection_url, max_open_connections FROM CONNECTION`,
	).Scan(&cfg.ConnectionURL, &cfg.MaxOpenConnections)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "reading connection config", err)
	}
	return &cfg, nil
}

func (s *connectionStore) remove(ctx context.Context) (bool, error) {
	res, err := s.pool.Exec(ctx, `DELETE FROM CONNECTION`)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing connection config", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "checking rows affected", err)
	}
	return n == 1, nil
}

type roleEntry struct {
	SQL           string
	RevocationSQL string
}

type roleStore struct {
	pool *backendpool.Pool
}

func (s *roleStore) create(ctx context.Context, name string, role roleEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ROLES (name, sql, revocation_sql) VALUES (?, ?, ?)`,
		name, role.SQL, role.RevocationSQL,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindConflict, "creating role", err)
	}
	return nil
}

func (s *roleStore) get(ctx context.Context, name string) (*roleEntry, error) {
	var r roleEntry
	err := s.pool.QueryRow(ctx,
		`SELECT sql, revocation_sql FROM ROLES WHERE name = ?`, name,
	).Scan(&r.SQL, &r.RevocationSQL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "reading role", err)
	}
	return &r, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

const mountColumns = `id, path, backend_type, default_lease_ttl_ms, max_lease_ttl_ms, namespace_id`

// MountRepo provides database operations for mounts, grounded on
// covert-server/src/repos/mount.rs.
type MountRepo struct {
	db *sql.DB
}

// NewMountRepo returns a MountRepo backed by db.
func NewMountRepo(db *sql.DB) *MountRepo {
	return &MountRepo{db: db}
}

func scanMount(row *sql.Row) (model.Mount, error) {
	var m model.Mount
	var defaultMs, maxMs int64
	if err := row.Scan(&m.ID, &m.Path, &m.BackendType, &defaultMs, &maxMs, &m.NamespaceID); err != nil {
		return model.Mount{}, err
	}
	m.Config.DefaultLeaseTTL = time.Duration(defaultMs) * time.Millisecond
	m.Config.MaxLeaseTTL = time.Duration(maxMs) * time.Millisecond
	return m, nil
}

// Create inserts a new mount entry.
func (r *MountRepo) Create(ctx context.Context, m model.Mount) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO mounts (`+mountColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Path, m.BackendType,
		m.Config.DefaultLeaseTTL.Milliseconds(), m.Config.MaxLeaseTTL.Milliseconds(),
		m.NamespaceID,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating mount", err)
	}
	return nil
}

// SetConfig updates the lease TTL bounds of the mount at path.
func (r *MountRepo) SetConfig(ctx context.Context, path, namespaceID string, cfg model.MountConfig) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE mounts SET default_lease_ttl_ms = ?, max_lease_ttl_ms = ? WHERE path = ? AND namespace_id = ?`,
		cfg.DefaultLeaseTTL.Milliseconds(), cfg.MaxLeaseTTL.Milliseconds(), path, namespaceID,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "updating mount config", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "updating mount config", err)
	}
	if n == 0 {
		return coverterr.New(coverterr.KindNotFound, fmt.Sprintf("mount at %q not found", path))
	}
	return nil
}

// List returns every mount in a namespace, ordered by path.
func (r *MountRepo) List(ctx context.Context, namespaceID string) ([]model.Mount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+mountColumns+` FROM mounts WHERE namespace_id = ? ORDER BY path ASC`, namespaceID)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing mounts", err)
	}
	defer rows.Close()

	var out []model.Mount
	for rows.Next() {
		var m model.Mount
		var defaultMs, maxMs int64
		if err := rows.Scan(&m.ID, &m.Path, &m.BackendType, &defaultMs, &maxMs, &m.NamespaceID); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning mount row", err)
		}
		m.Config.DefaultLeaseTTL = time.Duration(defaultMs) * time.Millisecond
		m.Config.MaxLeaseTTL = time.Duration(maxMs) * time.Millisecond
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "iterating mount rows", err)
	}
	return out, nil
}

// GetByPath returns the mount at the exact path, if any.
func (r *MountRepo) GetByPath(ctx context.Context, path, namespaceID string) (model.Mount, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mountColumns+` FROM mounts WHERE path = ? AND namespace_id = ?`, path, namespaceID)
	m, err := scanMount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mount{}, false, nil
	}
	if err != nil {
		return model.Mount{}, false, coverterr.Wrap(coverterr.KindInternal, "reading mount", err)
	}
	return m, true, nil
}

// LongestPrefix finds the mount whose path is the longest prefix of
// requestPath within namespaceID, the basis of the mount router (spec
// §4.4). Mirrors covert-server's `? LIKE (path || '%') ORDER BY
// length(path) DESC LIMIT 1`.
func (r *MountRepo) LongestPrefix(ctx context.Context, requestPath, namespaceID string) (model.Mount, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM mounts
		WHERE namespace_id = ? AND ? LIKE (path || '%')
		ORDER BY length(path) DESC LIMIT 1`,
		namespaceID, requestPath,
	)
	m, err := scanMount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mount{}, false, nil
	}
	if err != nil {
		return model.Mount{}, false, coverterr.Wrap(coverterr.KindInternal, "resolving mount by prefix", err)
	}
	return m, true, nil
}

// RemoveByPath deletes the mount at path, reporting whether a row existed.
func (r *MountRepo) RemoveByPath(ctx context.Context, path, namespaceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM mounts WHERE path = ? AND namespace_id = ?`, path, namespaceID)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing mount", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing mount", err)
	}
	return n == 1, nil
}

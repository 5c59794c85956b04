package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

const namespaceColumns = `id, name, parent_namespace_id`

// NamespaceRepo provides database operations for the namespace tree.
type NamespaceRepo struct {
	db *sql.DB
}

// NewNamespaceRepo returns a NamespaceRepo backed by db.
func NewNamespaceRepo(db *sql.DB) *NamespaceRepo {
	return &NamespaceRepo{db: db}
}

func scanNamespace(row *sql.Row) (model.Namespace, error) {
	var ns model.Namespace
	err := row.Scan(&ns.ID, &ns.Name, &ns.ParentNamespaceID)
	return ns, err
}

// Create inserts a new namespace.
func (r *NamespaceRepo) Create(ctx context.Context, ns model.Namespace) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO namespaces (`+namespaceColumns+`) VALUES (?, ?, ?)`,
		ns.ID, ns.Name, ns.ParentNamespaceID,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating namespace", err)
	}
	return nil
}

// GetByID returns the namespace with the given id.
func (r *NamespaceRepo) GetByID(ctx context.Context, id string) (model.Namespace, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+namespaceColumns+` FROM namespaces WHERE id = ?`, id)
	ns, err := scanNamespace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Namespace{}, coverterr.New(coverterr.KindNotFound, fmt.Sprintf("namespace %q not found", id))
	}
	if err != nil {
		return model.Namespace{}, coverterr.Wrap(coverterr.KindInternal, "reading namespace", err)
	}
	return ns, nil
}

// FindByPath resolves a namespace by its name within a parent, the building
// block FullPath uses to walk a "/"-joined namespace path one segment at a
// time.
func (r *NamespaceRepo) FindByPath(ctx context.Context, name string, parentID *string) (model.Namespace, error) {
	var row *sql.Row
	if parentID == nil {
		row = r.db.QueryRowContext(ctx, `SELECT `+namespaceColumns+` FROM namespaces WHERE name = ? AND parent_namespace_id IS NULL`, name)
	} else {
		row = r.db.QueryRowContext(ctx, `SELECT `+namespaceColumns+` FROM namespaces WHERE name = ? AND parent_namespace_id = ?`, name, *parentID)
	}
	ns, err := scanNamespace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Namespace{}, coverterr.New(coverterr.KindNotFound, fmt.Sprintf("namespace %q not found", name))
	}
	if err != nil {
		return model.Namespace{}, coverterr.Wrap(coverterr.KindInternal, "resolving namespace path segment", err)
	}
	return ns, nil
}

// FullPath walks the parent chain from id up to the root, joining names
// with "/" from root to leaf.
func (r *NamespaceRepo) FullPath(ctx context.Context, id string) (string, error) {
	var segments []string
	for {
		ns, err := r.GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		segments = append([]string{ns.Name}, segments...)
		if ns.ParentNamespaceID == nil {
			break
		}
		id = *ns.ParentNamespaceID
	}
	path := ""
	for i, s := range segments {
		if i > 0 {
			path += "/"
		}
		path += s
	}
	return path, nil
}

// Remove deletes the namespace with the given id, reporting whether it
// existed. Rejected with KindFKViolation if the namespace still has child
// namespaces or mounts, per spec: a namespace is deletable only when empty.
func (r *NamespaceRepo) Remove(ctx context.Context, id string) (bool, error) {
	var children int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM namespaces WHERE parent_namespace_id = ?`, id).Scan(&children); err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "counting child namespaces", err)
	}
	if children > 0 {
		return false, coverterr.New(coverterr.KindFKViolation, "namespace has child namespaces")
	}
	var mounts int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mounts WHERE namespace_id = ?`, id).Scan(&mounts); err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "counting namespace mounts", err)
	}
	if mounts > 0 {
		return false, coverterr.New(coverterr.KindFKViolation, "namespace has mounts")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM namespaces WHERE id = ?`, id)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing namespace", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing namespace", err)
	}
	return n == 1, nil
}

// ListChildren returns the direct children of parentID.
func (r *NamespaceRepo) ListChildren(ctx context.Context, parentID string) ([]model.Namespace, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+namespaceColumns+` FROM namespaces WHERE parent_namespace_id = ? ORDER BY name ASC`, parentID)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing child namespaces", err)
	}
	defer rows.Close()

	var out []model.Namespace
	for rows.Next() {
		var ns model.Namespace
		if err := rows.Scan(&ns.ID, &ns.Name, &ns.ParentNamespaceID); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning namespace row", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "iterating namespace rows", err)
	}
	return out, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

// EntityRepo provides database operations for entities, entity aliases and
// entity-to-policy attachments, grounded on
// covert-server/src/repos/entity.rs.
type EntityRepo struct {
	db *sql.DB
}

// NewEntityRepo returns an EntityRepo backed by db.
func NewEntityRepo(db *sql.DB) *EntityRepo {
	return &EntityRepo{db: db}
}

// Create inserts a new entity.
func (r *EntityRepo) Create(ctx context.Context, e model.Entity) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO entities (name, namespace_id, disabled) VALUES (?, ?, ?)`, e.Name, e.NamespaceID, e.Disabled)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating entity", err)
	}
	return nil
}

// Get returns the entity by name, if it exists.
func (r *EntityRepo) Get(ctx context.Context, name, namespaceID string) (model.Entity, bool, error) {
	var e model.Entity
	err := r.db.QueryRowContext(ctx, `SELECT name, namespace_id, disabled FROM entities WHERE name = ? AND namespace_id = ?`, name, namespaceID).
		Scan(&e.Name, &e.NamespaceID, &e.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, false, nil
	}
	if err != nil {
		return model.Entity{}, false, coverterr.Wrap(coverterr.KindInternal, "reading entity", err)
	}
	return e, true, nil
}

// SetDisabled flips an entity's disabled flag.
func (r *EntityRepo) SetDisabled(ctx context.Context, name, namespaceID string, disabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE entities SET disabled = ? WHERE name = ? AND namespace_id = ?`, disabled, name, namespaceID)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "updating entity", err)
	}
	return nil
}

// Remove deletes the named entity.
func (r *EntityRepo) Remove(ctx context.Context, name, namespaceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE name = ? AND namespace_id = ?`, name, namespaceID)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing entity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing entity", err)
	}
	return n == 1, nil
}

// AttachAlias binds an auth backend's local subject name to an entity.
func (r *EntityRepo) AttachAlias(ctx context.Context, entityName string, alias model.EntityAlias) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO entity_aliases (alias_name, mount_path, entity_name, namespace_id) VALUES (?, ?, ?, ?)`,
		alias.AliasName, alias.MountPath, entityName, alias.NamespaceID,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "attaching entity alias", err)
	}
	return nil
}

// RemoveAlias detaches an alias from an entity, reporting whether it existed.
func (r *EntityRepo) RemoveAlias(ctx context.Context, entityName string, alias model.EntityAlias) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM entity_aliases WHERE alias_name = ? AND mount_path = ? AND entity_name = ? AND namespace_id = ?`,
		alias.AliasName, alias.MountPath, entityName, alias.NamespaceID,
	)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing entity alias", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing entity alias", err)
	}
	return n == 1, nil
}

// GetEntityFromAlias resolves an entity from its mount-scoped alias, the
// lookup the authentication layer performs after a backend's Login verifies
// credentials.
func (r *EntityRepo) GetEntityFromAlias(ctx context.Context, alias model.EntityAlias) (model.Entity, bool, error) {
	var e model.Entity
	err := r.db.QueryRowContext(ctx,
		`SELECT E.name, E.namespace_id, E.disabled FROM entity_aliases EA
			INNER JOIN entities E ON EA.entity_name = E.name AND EA.namespace_id = E.namespace_id
			WHERE EA.alias_name = ? AND EA.mount_path = ? AND EA.namespace_id = ?`,
		alias.AliasName, alias.MountPath, alias.NamespaceID,
	).Scan(&e.Name, &e.NamespaceID, &e.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, false, nil
	}
	if err != nil {
		return model.Entity{}, false, coverterr.Wrap(coverterr.KindInternal, "resolving entity from alias", err)
	}
	return e, true, nil
}

// AttachPolicy associates a policy with an entity.
func (r *EntityRepo) AttachPolicy(ctx context.Context, entityName, policyName, namespaceID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO entity_policies (entity_name, policy_name, namespace_id) VALUES (?, ?, ?)`,
		entityName, policyName, namespaceID,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "attaching policy to entity", err)
	}
	return nil
}

// RemovePolicy detaches a policy from an entity, reporting whether it existed.
func (r *EntityRepo) RemovePolicy(ctx context.Context, entityName, policyName, namespaceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM entity_policies WHERE entity_name = ? AND policy_name = ? AND namespace_id = ?`,
		entityName, policyName, namespaceID,
	)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing policy from entity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing policy from entity", err)
	}
	return n == 1, nil
}

// PolicyNames returns the names of every policy attached to an entity.
func (r *EntityRepo) PolicyNames(ctx context.Context, entityName, namespaceID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT policy_name FROM entity_policies WHERE entity_name = ? AND namespace_id = ? ORDER BY policy_name ASC`,
		entityName, namespaceID,
	)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing entity policies", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning entity policy row", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// EntitySummary is an entity along with its attached policy and alias
// names, the shape the `sys/entities` list endpoint returns.
type EntitySummary struct {
	Name     string
	Policies []string
	Aliases  []model.EntityAlias
}

// List returns every entity in a namespace with its policies and aliases
// joined in, mirroring the grouped multi-join query in entity.rs.
func (r *EntityRepo) List(ctx context.Context, namespaceID string) ([]EntitySummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT E.name, COALESCE(P.name, ''), COALESCE(EA.alias_name, ''), COALESCE(EA.mount_path, '')
			FROM entities E
			LEFT JOIN entity_policies EP ON EP.entity_name = E.name AND EP.namespace_id = E.namespace_id
			LEFT JOIN policies P ON EP.policy_name = P.name AND EP.namespace_id = P.namespace_id
			LEFT JOIN entity_aliases EA ON EA.entity_name = E.name AND EA.namespace_id = E.namespace_id
			WHERE E.namespace_id = ?`,
		namespaceID,
	)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing entities", err)
	}
	defer rows.Close()

	grouped := map[string]*EntitySummary{}
	var order []string
	for rows.Next() {
		var name, policyName, aliasName, aliasMountPath string
		if err := rows.Scan(&name, &policyName, &aliasName, &aliasMountPath); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning entity row", err)
		}
		entry, ok := grouped[name]
		if !ok {
			entry = &EntitySummary{Name: name}
			grouped[name] = entry
			order = append(order, name)
		}
		if policyName != "" && !containsStr(entry.Policies, policyName) {
			entry.Policies = append(entry.Policies, policyName)
		}
		if aliasName != "" {
			entry.Aliases = append(entry.Aliases, model.EntityAlias{AliasName: aliasName, MountPath: aliasMountPath, EntityName: name, NamespaceID: namespaceID})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "iterating entity rows", err)
	}

	sort.Strings(order)
	out := make([]EntitySummary, 0, len(order))
	for _, name := range order {
		out = append(out, *grouped[name])
	}
	return out, nil
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

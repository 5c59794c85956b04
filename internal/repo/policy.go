package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

// PolicyRepo provides database operations for policies, grounded on
// covert-server/src/repos/policy.rs: path rules are stored as a single
// JSON blob per policy rather than normalized rows.
type PolicyRepo struct {
	db *sql.DB
}

// NewPolicyRepo returns a PolicyRepo backed by db.
func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

type pathRuleJSON struct {
	Pattern      string   `json:"pattern"`
	Capabilities []string `json:"capabilities"`
}

func encodePaths(paths []model.PathRule) (string, error) {
	out := make([]pathRuleJSON, 0, len(paths))
	for _, p := range paths {
		caps := make([]string, 0, len(p.Operations))
		for _, op := range []model.Operation{model.OpCreate, model.OpRead, model.OpUpdate, model.OpDelete, model.OpRevoke, model.OpRenew} {
			if p.Operations[op] {
				caps = append(caps, string(op))
			}
		}
		out = append(out, pathRuleJSON{Pattern: p.Pattern, Capabilities: caps})
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func decodePaths(raw string) ([]model.PathRule, error) {
	var parsed []pathRuleJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	out := make([]model.PathRule, 0, len(parsed))
	for _, p := range parsed {
		ops := make(map[model.Operation]bool, len(p.Capabilities))
		for _, c := range p.Capabilities {
			ops[model.Operation(c)] = true
		}
		out = append(out, model.PathRule{Pattern: p.Pattern, Operations: ops})
	}
	return out, nil
}

// Lookup returns the named policy within namespaceID, if it exists.
func (r *PolicyRepo) Lookup(ctx context.Context, name, namespaceID string) (model.Policy, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT policy FROM policies WHERE name = ? AND namespace_id = ?`, name, namespaceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Policy{}, false, nil
	}
	if err != nil {
		return model.Policy{}, false, coverterr.Wrap(coverterr.KindInternal, "reading policy", err)
	}
	paths, err := decodePaths(raw)
	if err != nil {
		return model.Policy{}, false, coverterr.Wrap(coverterr.KindInternal, fmt.Sprintf("parsing policy %q", name), err)
	}
	return model.Policy{Name: name, Paths: paths, NamespaceID: namespaceID}, true, nil
}

// BatchLookup resolves multiple policy names, silently skipping any that do
// not exist (a caller-side authorization concern, not a repo error).
func (r *PolicyRepo) BatchLookup(ctx context.Context, names []string, namespaceID string) []model.Policy {
	out := make([]model.Policy, 0, len(names))
	for _, name := range names {
		p, ok, err := r.Lookup(ctx, name, namespaceID)
		if err != nil || !ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// List returns every policy in a namespace.
func (r *PolicyRepo) List(ctx context.Context, namespaceID string) ([]model.Policy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, policy FROM policies WHERE namespace_id = ? ORDER BY name ASC`, namespaceID)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing policies", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning policy row", err)
		}
		paths, err := decodePaths(raw)
		if err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, fmt.Sprintf("parsing policy %q", name), err)
		}
		out = append(out, model.Policy{Name: name, Paths: paths, NamespaceID: namespaceID})
	}
	if err := rows.Err(); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "iterating policy rows", err)
	}
	return out, nil
}

// Create inserts a new policy, serializing its path rules as JSON.
func (r *PolicyRepo) Create(ctx context.Context, p model.Policy) error {
	raw, err := encodePaths(p.Paths)
	if err != nil {
		return coverterr.Wrap(coverterr.KindBadRequest, "encoding policy paths", err)
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO policies (name, policy, namespace_id) VALUES (?, ?, ?)`, p.Name, raw, p.NamespaceID); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating policy", err)
	}
	return nil
}

// Remove deletes the named policy, reporting whether it existed.
func (r *PolicyRepo) Remove(ctx context.Context, name, namespaceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE name = ? AND namespace_id = ?`, name, namespaceID)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing policy", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing policy", err)
	}
	return n == 1, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

// TokenRepo provides database operations for bearer tokens, grounded on
// covert-server/src/repos/token.rs.
type TokenRepo struct {
	db *sql.DB
}

// NewTokenRepo returns a TokenRepo backed by db.
func NewTokenRepo(db *sql.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// Create inserts a new token.
func (r *TokenRepo) Create(ctx context.Context, t model.Token) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tokens (value, entity_name, namespace_id, issued_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		t.Value, t.EntityName, t.NamespaceID, t.IssuedAt, t.ExpiresAt,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating token", err)
	}
	return nil
}

// Get returns the token by value, regardless of expiry.
func (r *TokenRepo) Get(ctx context.Context, value string) (model.Token, bool, error) {
	var t model.Token
	err := r.db.QueryRowContext(ctx,
		`SELECT value, entity_name, namespace_id, issued_at, expires_at FROM tokens WHERE value = ?`, value,
	).Scan(&t.Value, &t.EntityName, &t.NamespaceID, &t.IssuedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Token{}, false, nil
	}
	if err != nil {
		return model.Token{}, false, coverterr.Wrap(coverterr.KindInternal, "reading token", err)
	}
	return t, true, nil
}

// LookupPolicies returns the policies attached to the entity owning a
// still-valid token, an empty slice if the token has expired or does not
// exist.
func (r *TokenRepo) LookupPolicies(ctx context.Context, value string, now time.Time) ([]model.Policy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT P.name, P.policy FROM tokens T
			INNER JOIN entities E ON T.entity_name = E.name AND T.namespace_id = E.namespace_id
			INNER JOIN entity_policies EP ON E.name = EP.entity_name AND E.namespace_id = EP.namespace_id
			INNER JOIN policies P ON EP.policy_name = P.name AND EP.namespace_id = P.namespace_id
			WHERE T.value = ? AND (T.expires_at IS NULL OR T.expires_at > ?)`,
		value, now,
	)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "looking up token policies", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning token policy row", err)
		}
		paths, err := decodePaths(raw)
		if err != nil {
			continue // a policy that fails to parse grants nothing, rather than failing the whole lookup
		}
		out = append(out, model.Policy{Name: name, Paths: paths})
	}
	return out, rows.Err()
}

// UpdateExpiry sets a token's expiry, reporting whether it existed. Used by
// sys/token/renew; the root token (ExpiresAt nil) is never passed here since
// it carries no renew path.
func (r *TokenRepo) UpdateExpiry(ctx context.Context, value string, expiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE tokens SET expires_at = ? WHERE value = ?`, expiresAt, value)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "renewing token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "renewing token", err)
	}
	return n == 1, nil
}

// Remove deletes a token, reporting whether it existed.
func (r *TokenRepo) Remove(ctx context.Context, value string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE value = ?`, value)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "removing token", err)
	}
	return n == 1, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

const leaseColumns = `id, issued_mount_path, revoke_path, revoke_data, renew_path, renew_data, issued_at, expires_at, last_renewal_time, failed_revocation_attempts`

// LeaseRepo provides database operations for leases, the accounting record
// the expiration manager (spec §4.5) drives. Grounded on
// covert-server/src/repos/lease.rs.
type LeaseRepo struct {
	db *sql.DB
}

// NewLeaseRepo returns a LeaseRepo backed by db.
func NewLeaseRepo(db *sql.DB) *LeaseRepo {
	return &LeaseRepo{db: db}
}

func scanLease(scan func(dest ...any) error) (model.LeaseEntry, error) {
	var l model.LeaseEntry
	err := scan(&l.ID, &l.IssuedMountPath, &l.RevokePath, &l.RevokeData, &l.RenewPath, &l.RenewData,
		&l.IssuedAt, &l.ExpiresAt, &l.LastRenewalTime, &l.FailedRevocationAttempts)
	return l, err
}

// Create inserts a new lease.
func (r *LeaseRepo) Create(ctx context.Context, l model.LeaseEntry) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO leases (`+leaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.IssuedMountPath, l.RevokePath, l.RevokeData, l.RenewPath, l.RenewData,
		l.IssuedAt, l.ExpiresAt, l.LastRenewalTime, l.FailedRevocationAttempts,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "creating lease", err)
	}
	if n != 1 {
		return coverterr.New(coverterr.KindInternal, "failed to insert lease")
	}
	return nil
}

// Pull returns up to count leases expiring at or before the given time,
// ordered soonest-first. count is clamped to 100 to bound a single
// expiration-manager sweep.
func (r *LeaseRepo) Pull(ctx context.Context, count int, before time.Time) ([]model.LeaseEntry, error) {
	if count > 100 {
		count = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		before, count,
	)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "pulling expiring leases", err)
	}
	defer rows.Close()
	return scanLeaseRows(rows)
}

// Peek returns the lease with the soonest expiry, if any.
func (r *LeaseRepo) Peek(ctx context.Context) (model.LeaseEntry, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases ORDER BY expires_at ASC LIMIT 1`)
	l, err := scanLease(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeaseEntry{}, false, nil
	}
	if err != nil {
		return model.LeaseEntry{}, false, coverterr.Wrap(coverterr.KindInternal, "peeking lease", err)
	}
	return l, true, nil
}

// IncrementFailedRevocationAttempts bumps the retry counter and reschedules
// expires_at, the backoff the expiration manager applies after a failed
// revoke task (spec S7).
func (r *LeaseRepo) IncrementFailedRevocationAttempts(ctx context.Context, leaseID string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leases SET failed_revocation_attempts = failed_revocation_attempts + 1, expires_at = ? WHERE id = ?`,
		expiresAt, leaseID,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "incrementing lease revocation attempts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "incrementing lease revocation attempts", err)
	}
	if n != 1 {
		return coverterr.New(coverterr.KindNotFound, "lease not found")
	}
	return nil
}

// Renew updates a lease's expiry and last-renewal timestamp.
func (r *LeaseRepo) Renew(ctx context.Context, leaseID string, expiresAt, lastRenewalTime time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ?, last_renewal_time = ? WHERE id = ?`,
		expiresAt, lastRenewalTime, leaseID,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "renewing lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "renewing lease", err)
	}
	if n != 1 {
		return coverterr.New(coverterr.KindNotFound, "lease not found")
	}
	return nil
}

// Delete removes a lease, reporting whether it existed.
func (r *LeaseRepo) Delete(ctx context.Context, leaseID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, leaseID)
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "deleting lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "deleting lease", err)
	}
	return n == 1, nil
}

// List returns every lease.
func (r *LeaseRepo) List(ctx context.Context) ([]model.LeaseEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+leaseColumns+` FROM leases`)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing leases", err)
	}
	defer rows.Close()
	return scanLeaseRows(rows)
}

// ListByMountPrefix returns every lease issued under a mount path, used to
// revoke an entire mount's leases on unmount (spec §4.5).
func (r *LeaseRepo) ListByMountPrefix(ctx context.Context, pathPrefix string) ([]model.LeaseEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE issued_mount_path LIKE ?`, pathPrefix+"%")
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing leases by mount prefix", err)
	}
	defer rows.Close()
	return scanLeaseRows(rows)
}

// Lookup returns the lease by id, if it exists.
func (r *LeaseRepo) Lookup(ctx context.Context, leaseID string) (model.LeaseEntry, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = ?`, leaseID)
	l, err := scanLease(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeaseEntry{}, false, nil
	}
	if err != nil {
		return model.LeaseEntry{}, false, coverterr.Wrap(coverterr.KindInternal, "looking up lease", err)
	}
	return l, true, nil
}

func scanLeaseRows(rows *sql.Rows) ([]model.LeaseEntry, error) {
	var out []model.LeaseEntry
	for rows.Next() {
		l, err := scanLease(rows.Scan)
		if err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning lease row", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "iterating lease rows", err)
	}
	return out, nil
}

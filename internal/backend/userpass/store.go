package userpass

import (
	"context"
	"database/sql"
	"errors"

	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
)

type userRow struct {
	Username string
	Password string
}

// userRepo mirrors store/user.rs's UsersRepo exactly: one row per username,
// keyed on the username itself.
type userRepo struct {
	pool *backendpool.Pool
}

func (r *userRepo) create(ctx context.Context, u userRow) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO USERS (username, password) VALUES (?, ?)`, u.Username, u.Password)
	if err != nil {
		return coverterr.Wrap(coverterr.KindConflict, "creating user", err)
	}
	return nil
}

func (r *userRepo) remove(ctx context.Context, username string) error {
	res, err := r.pool.Exec(ctx, `DELETE FROM USERS WHERE username = ?`, username)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "removing user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "removing user", err)
	}
	if n == 0 {
		return coverterr.New(coverterr.KindNotFound, "user not found")
	}
	return nil
}

func (r *userRepo) get(ctx context.Context, username string) (*userRow, error) {
	row := r.pool.QueryRow(ctx, `SELECT username, password FROM USERS WHERE username = ?`, username)
	var u userRow
	if err := row.Scan(&u.Username, &u.Password); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, coverterr.Wrap(coverterr.KindInternal, "reading user", err)
	}
	return &u, nil
}

func (r *userRepo) list(ctx context.Context) ([]userRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT username, password FROM USERS`)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing users", err)
	}
	defer rows.Close()

	var out []userRow
	for rows.Next() {
		var u userRow
		if err := rows.Scan(&u.Username, &u.Password); err != nil {
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "listing users", err)
	}
	return out, nil
}

func (r *userRepo) updatePassword(ctx context.Context, username, hashedPassword string) error {
	res, err := r.pool.Exec(ctx, `UPDATE USERS SET password = ? WHERE username = ?`, hashedPassword, username)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "updating user password", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "updating user password", err)
	}
	if n == 0 {
		return coverterr.New(coverterr.KindNotFound, "user not found")
	}
	return nil
}

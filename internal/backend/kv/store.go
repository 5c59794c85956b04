package kv

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
)

type secretRow struct {
	Key         string
	Version     int
	Value       *string
	CreatedTime time.Time
	Deleted     bool
	Destroyed   bool
}

type versionMetadataRow struct {
	MinVersion int
	MaxVersion int
}

type secretRepo struct {
	pool *backendpool.Pool
}

func (r *secretRepo) get(ctx context.Context, key string, version int) (*secretRow, error) {
	var s secretRow
	err := r.pool.QueryRow(ctx,
		`SELECT key, version, value, created_time, deleted, destroyed FROM SECRETS WHERE key = ? AND version = ?`,
		key, version,
	).Scan(&s.Key, &s.Version, &s.Value, &s.CreatedTime, &s.Deleted, &s.Destroyed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "reading secret", err)
	}
	return &s, nil
}

func (r *secretRepo) versionMetadata(ctx context.Context, key string) (*versionMetadataRow, error) {
	var minV, maxV sql.NullInt64
	err := r.pool.QueryRow(ctx,
		`SELECT MIN(version), MAX(version) FROM SECRETS WHERE key = ?`, key,
	).Scan(&minV, &maxV)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "reading version metadata", err)
	}
	if !maxV.Valid {
		return nil, nil
	}
	return &versionMetadataRow{MinVersion: int(minV.Int64), MaxVersion: int(maxV.Int64)}, nil
}

func (r *secretRepo) insert(ctx context.Context, s secretRow) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO SECRETS (key, version, value, created_time, deleted, destroyed) VALUES (?, ?, ?, ?, ?, ?)`,
		s.Key, s.Version, s.Value, s.CreatedTime, s.Deleted, s.Destroyed,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindConflict, "inserting secret version", err)
	}
	return nil
}

func (r *secretRepo) pruneOldVersions(ctx context.Context, key string, maxVersions int) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM SECRETS WHERE key = ? AND version <= (SELECT MAX(version) FROM SECRETS WHERE key = ?) - ?`,
		key, key, maxVersions,
	)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "pruning old secret versions", err)
	}
	return nil
}

func (r *secretRepo) softDelete(ctx context.Context, key string, versions []int) ([]int, error) {
	var notDeleted []int
	for _, v := range versions {
		res, err := r.pool.Exec(ctx,
			`UPDATE SECRETS SET deleted = TRUE WHERE key = ? AND version = ?`, key, v)
		if ok, checkErr := affectedOne(res, err); checkErr != nil {
			return nil, checkErr
		} else if !ok {
			notDeleted = append(notDeleted, v)
		}
	}
	return notDeleted, nil
}

func (r *secretRepo) recover(ctx context.Context, key string, versions []int) ([]int, error) {
	var notRecovered []int
	for _, v := range versions {
		res, err := r.pool.Exec(ctx,
			`UPDATE SECRETS SET deleted = FALSE WHERE key = ? AND version = ? AND destroyed = FALSE`, key, v)
		if ok, checkErr := affectedOne(res, err); checkErr != nil {
			return nil, checkErr
		} else if !ok {
			notRecovered = append(notRecovered, v)
		}
	}
	return notRecovered, nil
}

func (r *secretRepo) hardDelete(ctx context.Context, key string, versions []int) ([]int, error) {
	var notDeleted []int
	for _, v := range versions {
		res, err := r.pool.Exec(ctx,
			`UPDATE SECRETS SET destroyed = TRUE, deleted = TRUE, value = NULL WHERE key = ? AND version = ?`, key, v)
		if ok, checkErr := affectedOne(res, err); checkErr != nil {
			return nil, checkErr
		} else if !ok {
			notDeleted = append(notDeleted, v)
		}
	}
	return notDeleted, nil
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coverterr.Wrap(coverterr.KindInternal, "checking rows affected", err)
	}
	return n == 1, nil
}

type configRepo struct {
	pool *backendpool.Pool
}

func (r *configRepo) load(ctx context.Context) (configuration, error) {
	var maxVersions int
	err := r.pool.QueryRow(ctx, `SELECT max_versions FROM CONFIG`).Scan(&maxVersions)
	if errors.Is(err, sql.ErrNoRows) {
		cfg := configuration{MaxVersions: defaultMaxVersions}
		if err := r.set(ctx, cfg); err != nil {
			return configuration{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return configuration{}, coverterr.Wrap(coverterr.KindInternal, "reading kv config", err)
	}
	return configuration{MaxVersions: maxVersions}, nil
}

func (r *configRepo) set(ctx context.Context, cfg configuration) error {
	_, err := r.pool.Exec(ctx, `INSERT OR REPLACE INTO CONFIG (lock, max_versions) VALUES (1, ?)`, cfg.MaxVersions)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "writing kv config", err)
	}
	return nil
}

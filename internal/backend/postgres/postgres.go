// Package postgres implements the dynamic Postgres credentials backend
// (spec §4.7), grounded on backend/covert-psql's lib.rs/
// path_config_connection.rs/path_roles.rs/path_role_create.rs/
// secret_creds.rs. A mount stores one connection string and any number of
// named roles, each a templated SQL statement that mints a scoped,
// time-bounded Postgres user on credential request.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/ttlclamp"
)

const schemaVersion = 1

// Backend is the dynamic Postgres credentials secret engine.
type Backend struct {
	connStore *connectionStore
	roleStore *roleStore

	mu     sync.RWMutex
	db     *pgxpool.Pool
	config model.MountConfig
}

// New runs this backend's schema migration and, if a connection is already
// configured (the mount survived a server restart), reconnects to it.
func New(ctx context.Context, pool *backendpool.Pool, config model.MountConfig) (*Backend, error) {
	if err := pool.ApplyMigration(ctx, schemaVersion, migrationV1); err != nil {
		return nil, err
	}
	b := &Backend{
		connStore: &connectionStore{pool: pool},
		roleStore: &roleStore{pool: pool},
		config:    config,
	}
	if cfg, err := b.connStore.get(ctx); err == nil && cfg != nil {
		_ = b.connect(ctx, *cfg)
	}
	return b, nil
}

// UpdateMountConfig refreshes the lease TTL bounds this backend clamps
// generated credentials against, called when an update on sys/mounts/:path
// changes the mount's config.
func (b *Backend) UpdateMountConfig(config model.MountConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
}

// Type reports this backend as the Postgres dynamic-credentials engine.
func (b *Backend) Type() model.BackendType { return model.BackendPostgres }

func (b *Backend) connect(ctx context.Context, cfg connectionConfig) error {
	pgCfg, err := pgxpool.ParseConfig(withUTCTimezone(cfg.ConnectionURL))
	if err != nil {
		return coverterr.Wrap(coverterr.KindInvalidConnectionString, "", err)
	}
	if cfg.MaxOpenConnections > 0 {
		pgCfg.MaxConns = cfg.MaxOpenConnections
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInvalidConnectionString, "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return coverterr.Wrap(coverterr.KindInvalidConnectionString, "", err)
	}

	b.mu.Lock()
	if b.db != nil {
		b.db.Close()
	}
	b.db = pool
	b.mu.Unlock()
	return nil
}

func withUTCTimezone(connectionURL string) string {
	if strings.HasPrefix(connectionURL, "postgres://") || strings.HasPrefix(connectionURL, "postgresql://") {
		sep := "?"
		if strings.Contains(connectionURL, "?") {
			sep = "&"
		}
		return connectionURL + sep + "timezone=utc"
	}
	return connectionURL + " timezone=utc"
}

func (b *Backend) pgPool() (*pgxpool.Pool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, coverterr.New(coverterr.KindMissingConnection, "")
	}
	return b.db, nil
}

func (b *Backend) mountConfig() model.MountConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// Handle dispatches a request to config/connection, roles/:name, or
// creds/:name.
func (b *Backend) Handle(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch {
	case req.Path == "config/connection":
		return b.handleConnection(ctx, req)
	case strings.HasPrefix(req.Path, "roles/"):
		return b.handleRole(ctx, req, strings.TrimPrefix(req.Path, "roles/"))
	case strings.HasPrefix(req.Path, "creds/"):
		return b.handleGenerateCreds(ctx, req, strings.TrimPrefix(req.Path, "creds/"))
	default:
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "unknown postgres route")
	}
}

func (b *Backend) handleConnection(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch req.Operation {
	case model.OpRead:
		cfg, err := b.connStore.get(ctx)
		if err != nil {
			return backend.Response{}, err
		}
		return backend.RawResponse(readConnectionResponse{Connection: cfg}), nil
	case model.OpCreate, model.OpUpdate:
		var body setConnectionParams
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding connection body", err)
		}
		maxConns := int32(2)
		if body.MaxOpenConnections != nil {
			maxConns = *body.MaxOpenConnections
		}
		cfg := connectionConfig{ConnectionURL: body.ConnectionURL, MaxOpenConnections: maxConns}

		if body.VerifyConnection {
			if err := b.connect(ctx, cfg); err != nil {
				return backend.Response{}, err
			}
		}
		if err := b.connStore.set(ctx, cfg); err != nil {
			return backend.Response{}, err
		}
		if !body.VerifyConnection {
			if err := b.connect(ctx, cfg); err != nil {
				return backend.Response{}, err
			}
		}
		return backend.RawResponse(setConnectionResponse{Connection: cfg}), nil
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on config/connection")
	}
}

func (b *Backend) handleRole(ctx context.Context, req backend.Request, name string) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on roles")
	}
	var body createRoleParams
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding role body", err)
	}
	role := roleEntry{SQL: body.SQL, RevocationSQL: body.RevocationSQL}
	if err := b.roleStore.create(ctx, name, role); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(createRoleResponse{SQL: role.SQL, RevocationSQL: role.RevocationSQL}), nil
}

func (b *Backend) handleGenerateCreds(ctx context.Context, req backend.Request, name string) (backend.Response, error) {
	if req.Operation != model.OpUpdate && req.Operation != model.OpCreate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on creds")
	}
	role, err := b.roleStore.get(ctx, name)
	if err != nil {
		return backend.Response{}, err
	}
	if role == nil {
		return backend.Response{}, coverterr.New(coverterr.KindRoleNotFound, "")
	}

	var params createRoleCredsParams
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &params); err != nil {
			return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding creds request", err)
		}
	}

	username := truncateUsername(fmt.Sprintf("%s-%s", name, uuid.NewString()))
	password := uuid.NewString()

	now := time.Now().UTC()
	cfg := b.mountConfig()
	requested := time.Duration(params.TTLSeconds) * time.Second
	ttl := ttlclamp.Calculate(now, now, cfg.DefaultLeaseTTL, cfg.MaxLeaseTTL, requested)
	expiration := now.Add(ttl).Format("2006-01-02 15:04:05")

	pgPool, err := b.pgPool()
	if err != nil {
		return backend.Response{}, err
	}
	if err := execTemplatedSQL(ctx, pgPool, role.SQL, username, password, expiration); err != nil {
		return backend.Response{}, err
	}

	info := roleInfo{Username: username, Role: name}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindInternal, "encoding lease data", err)
	}
	creds := roleCredentials{Username: username, Password: password}

	return backend.Response{
		Lease: &backend.LeaseResponse{
			Renew:  backend.LeaseRenewRevokeEndpoint{Path: "creds", Data: infoJSON},
			Revoke: backend.LeaseRenewRevokeEndpoint{Path: "creds", Data: infoJSON},
			Data:   creds,
			TTL:    &ttl,
		},
	}, nil
}

// Revoke runs a role's revocation SQL against the generated username.
func (b *Backend) Revoke(ctx context.Context, path string, data []byte) error {
	var info roleInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return coverterr.Wrap(coverterr.KindBadRequest, "decoding lease revoke data", err)
	}
	role, err := b.roleStore.get(ctx, info.Role)
	if err != nil {
		return err
	}
	if role == nil {
		return coverterr.New(coverterr.KindRoleNotFound, "")
	}
	pgPool, err := b.pgPool()
	if err != nil {
		return err
	}
	return execTemplatedSQL(ctx, pgPool, role.RevocationSQL, info.Username, "", "")
}

// Renew extends the expiration of an issued Postgres role.
func (b *Backend) Renew(ctx context.Context, path string, data []byte) (time.Duration, error) {
	var info roleInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return 0, coverterr.Wrap(coverterr.KindBadRequest, "decoding lease renew data", err)
	}
	if _, err := b.roleStore.get(ctx, info.Role); err != nil {
		return 0, err
	}

	cfg := b.mountConfig()
	ttl := cfg.DefaultLeaseTTL
	expiration := time.Now().UTC().Add(ttl).Format("2006-01-02 15:04:05")

	pgPool, err := b.pgPool()
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("ALTER ROLE %s VALID UNTIL '%s'", pgx.Identifier{info.Username}.Sanitize(), expiration)
	if _, err := pgPool.Exec(ctx, stmt); err != nil {
		return 0, coverterr.Wrap(coverterr.KindInternal, "renewing postgres role", err)
	}
	return ttl, nil
}

func execTemplatedSQL(ctx context.Context, pgPool *pgxpool.Pool, tmpl, name, password, expiration string) error {
	rendered := renderTemplate(tmpl, name, password, expiration)

	tx, err := pgPool.Begin(ctx)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "beginning postgres transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range splitStatements(rendered) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return coverterr.Wrap(coverterr.KindInternal, "executing role sql", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "committing postgres transaction", err)
	}
	return nil
}

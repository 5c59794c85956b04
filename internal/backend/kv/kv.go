// Package kv implements the versioned key-value secret engine (spec §4.6),
// grounded on backend/covert-kv's lib.rs/config.rs/create_secret.rs/
// soft_delete_secret.rs/hard_delete_secret.rs route handlers. Every secret
// write creates a new version; reads default to the newest version but can
// address any surviving one; old versions are pruned once a key's version
// count exceeds its configured retention.
package kv

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

const schemaVersion = 1

const migrationV1 = `
CREATE TABLE CONFIG (
	lock INTEGER PRIMARY KEY DEFAULT 1 CHECK (lock = 1),
	max_versions INTEGER NOT NULL
);
CREATE TABLE SECRETS (
	key TEXT NOT NULL,
	version INTEGER NOT NULL,
	value TEXT,
	created_time TIMESTAMP NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	destroyed BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (key, version)
);`

// Backend is the versioned KV secret engine.
type Backend struct {
	secrets *secretRepo
	config  *configRepo
}

// New runs this backend's schema migration against pool and returns a ready
// Backend.
func New(ctx context.Context, pool *backendpool.Pool) (*Backend, error) {
	if err := pool.ApplyMigration(ctx, schemaVersion, migrationV1); err != nil {
		return nil, err
	}
	return &Backend{
		secrets: &secretRepo{pool: pool},
		config:  &configRepo{pool: pool},
	}, nil
}

// Type reports this backend as the KV secret engine.
func (b *Backend) Type() model.BackendType { return model.BackendKV }

// Revoke is never invoked: the KV backend never issues leased material.
func (b *Backend) Revoke(ctx context.Context, path string, data []byte) error {
	return coverterr.New(coverterr.KindInternal, "kv backend does not issue leases")
}

// Renew is never invoked: the KV backend never issues leased material.
func (b *Backend) Renew(ctx context.Context, path string, data []byte) (time.Duration, error) {
	return 0, coverterr.New(coverterr.KindInternal, "kv backend does not issue leases")
}

// Handle dispatches a request to this backend's five routes: config,
// data/*, delete/*, undelete/*, destroy/*.
func (b *Backend) Handle(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch {
	case req.Path == "config":
		return b.handleConfig(ctx, req)
	case strings.HasPrefix(req.Path, "data/"):
		return b.handleData(ctx, req, strings.TrimPrefix(req.Path, "data/"))
	case strings.HasPrefix(req.Path, "delete/"):
		return b.handleSoftDelete(ctx, req, strings.TrimPrefix(req.Path, "delete/"))
	case strings.HasPrefix(req.Path, "undelete/"):
		return b.handleUndelete(ctx, req, strings.TrimPrefix(req.Path, "undelete/"))
	case strings.HasPrefix(req.Path, "destroy/"):
		return b.handleDestroy(ctx, req, strings.TrimPrefix(req.Path, "destroy/"))
	default:
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "unknown kv route")
	}
}

func (b *Backend) handleConfig(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch req.Operation {
	case model.OpRead:
		cfg, err := b.config.load(ctx)
		if err != nil {
			return backend.Response{}, err
		}
		return backend.RawResponse(readConfigResponse{MaxVersions: cfg.MaxVersions}), nil
	case model.OpCreate, model.OpUpdate:
		var body setConfigParams
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding config body", err)
		}
		cfg := configuration{MaxVersions: body.MaxVersions}
		if err := b.config.set(ctx, cfg); err != nil {
			return backend.Response{}, err
		}
		return backend.RawResponse(setConfigResponse{MaxVersions: cfg.MaxVersions}), nil
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on config")
	}
}

func (b *Backend) handleData(ctx context.Context, req backend.Request, key string) (backend.Response, error) {
	switch req.Operation {
	case model.OpRead:
		return b.readSecret(ctx, req, key)
	case model.OpCreate, model.OpUpdate:
		return b.addSecret(ctx, req, key)
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on data")
	}
}

func (b *Backend) addSecret(ctx context.Context, req backend.Request, key string) (backend.Response, error) {
	var body createSecretParams
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding secret body", err)
	}

	meta, err := b.secrets.versionMetadata(ctx, key)
	if err != nil {
		return backend.Response{}, err
	}
	nextVersion := 1
	if meta != nil {
		nextVersion = meta.MaxVersion + 1
	}

	valueJSON, err := json.Marshal(body.Data)
	if err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "encoding secret data", err)
	}
	value := string(valueJSON)

	secret := secretRow{
		Key:         key,
		Version:     nextVersion,
		Value:       &value,
		CreatedTime: time.Now().UTC(),
	}
	if err := b.secrets.insert(ctx, secret); err != nil {
		return backend.Response{}, err
	}

	cfg, err := b.config.load(ctx)
	if err != nil {
		return backend.Response{}, err
	}
	if err := b.secrets.pruneOldVersions(ctx, key, cfg.MaxVersions); err != nil {
		return backend.Response{}, err
	}

	meta, err = b.secrets.versionMetadata(ctx, key)
	if err != nil {
		return backend.Response{}, err
	}
	if meta == nil {
		return backend.Response{}, coverterr.New(coverterr.KindInternal, "metadata for key should not be nil after insert")
	}

	return backend.RawResponse(createSecretResponse{
		Version:     secret.Version,
		CreatedTime: secret.CreatedTime,
		Deleted:     secret.Deleted,
		Destroyed:   secret.Destroyed,
		MinVersion:  meta.MinVersion,
		MaxVersion:  meta.MaxVersion,
	}), nil
}

func (b *Backend) readSecret(ctx context.Context, req backend.Request, key string) (backend.Response, error) {
	meta, err := b.secrets.versionMetadata(ctx, key)
	if err != nil {
		return backend.Response{}, err
	}
	if meta == nil {
		return backend.Response{}, coverterr.New(coverterr.KindMetadataNotFound, "")
	}

	version := meta.MaxVersion
	if q, err := url.ParseQuery(req.QueryString); err == nil {
		if raw := q.Get("version"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				version = v
			}
		}
	}

	secret, err := b.secrets.get(ctx, key, version)
	if err != nil {
		return backend.Response{}, err
	}
	if secret == nil {
		return backend.Response{}, coverterr.New(coverterr.KindKeyVersionNotFound, "")
	}

	resp := readSecretResponse{
		Metadata: createSecretResponse{
			Version:     version,
			MinVersion:  meta.MinVersion,
			MaxVersion:  meta.MaxVersion,
			CreatedTime: secret.CreatedTime,
			Deleted:     secret.Deleted,
			Destroyed:   secret.Destroyed,
		},
	}
	if !secret.Deleted && !secret.Destroyed && secret.Value != nil {
		var data map[string]string
		if err := json.Unmarshal([]byte(*secret.Value), &data); err != nil {
			return backend.Response{}, coverterr.Wrap(coverterr.KindInternal, "decoding stored secret value", err)
		}
		resp.Data = data
	}
	return backend.RawResponse(resp), nil
}

func (b *Backend) handleSoftDelete(ctx context.Context, req backend.Request, key string) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on delete")
	}
	var body versionsParams
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding delete body", err)
	}
	if len(body.Versions) == 0 {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "missing key versions")
	}
	notDeleted, err := b.secrets.softDelete(ctx, key, body.Versions)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(versionsResponse{NotDeleted: notDeleted}), nil
}

func (b *Backend) handleUndelete(ctx context.Context, req backend.Request, key string) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on undelete")
	}
	var body versionsParams
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding undelete body", err)
	}
	if len(body.Versions) == 0 {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "missing key versions")
	}
	notRecovered, err := b.secrets.recover(ctx, key, body.Versions)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(versionsResponse{NotRecovered: notRecovered}), nil
}

func (b *Backend) handleDestroy(ctx context.Context, req backend.Request, key string) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on destroy")
	}
	var body versionsParams
	if err := json.Unmarshal(req.Data, &body); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding destroy body", err)
	}
	if len(body.Versions) == 0 {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "missing key versions")
	}
	notDeleted, err := b.secrets.hardDelete(ctx, key, body.Versions)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(versionsResponse{NotDeleted: notDeleted}), nil
}

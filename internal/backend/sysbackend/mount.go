package sysbackend

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/router"
)

func parseMountConfig(in mountConfigParams, fallback model.MountConfig) (model.MountConfig, error) {
	cfg := fallback
	if in.DefaultLeaseTTL != "" {
		d, err := time.ParseDuration(in.DefaultLeaseTTL)
		if err != nil {
			return model.MountConfig{}, coverterr.Wrap(coverterr.KindBadRequest, "parsing default_lease_ttl", err)
		}
		cfg.DefaultLeaseTTL = d
	}
	if in.MaxLeaseTTL != "" {
		d, err := time.ParseDuration(in.MaxLeaseTTL)
		if err != nil {
			return model.MountConfig{}, coverterr.Wrap(coverterr.KindBadRequest, "parsing max_lease_ttl", err)
		}
		cfg.MaxLeaseTTL = d
	}
	return cfg, nil
}

func toMountListItem(m model.Mount) mountListItem {
	return mountListItem{
		ID:   m.ID,
		Path: m.Path,
		Type: string(m.BackendType),
		Config: mountConfigParams{
			DefaultLeaseTTL: m.Config.DefaultLeaseTTL.String(),
			MaxLeaseTTL:     m.Config.MaxLeaseTTL.String(),
		},
	}
}

// handleMountsList lists every mount in the caller's namespace, split into
// auth and secret categories the way covert-server's /mounts response does:
// userpass is the only mount type this module supports that authenticates a
// caller rather than storing secrets directly.
func (b *Backend) handleMountsList(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpRead {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on mounts")
	}
	repos := b.getRepos()
	mounts, err := repos.mounts.List(ctx, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	resp := mountsListResponse{Auth: []mountListItem{}, Secret: []mountListItem{}}
	for _, m := range mounts {
		item := toMountListItem(m)
		if m.BackendType == model.BackendUserpass {
			resp.Auth = append(resp.Auth, item)
		} else {
			resp.Secret = append(resp.Secret, item)
		}
	}
	return backend.RawResponse(resp), nil
}

// handleMount dispatches create/update/delete against the mount identified
// by its path, extracted from the "mounts/" route remainder. Path-level
// routes (the remainder's trailing segments after the mount path) are not
// used here: unlike kv's data routes, mounts/:path always names the mount
// itself, per sys/mounts's four-route table in covert-server's mount.rs.
func (b *Backend) handleMount(ctx context.Context, req backend.Request, mountPath string) (backend.Response, error) {
	if !strings.HasSuffix(mountPath, "/") {
		mountPath += "/"
	}
	switch req.Operation {
	case model.OpCreate:
		return b.createMount(ctx, req, mountPath)
	case model.OpUpdate:
		return b.updateMount(ctx, req, mountPath)
	case model.OpDelete:
		return b.disableMount(ctx, req, mountPath)
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on mounts/*")
	}
}

func (b *Backend) createMount(ctx context.Context, req backend.Request, mountPath string) (backend.Response, error) {
	var params createMountParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}
	if strings.HasPrefix(mountPath, router.SystemMountPath) {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "cannot mount over the reserved sys/ path")
	}

	repos := b.getRepos()
	if _, exists, err := repos.mounts.GetByPath(ctx, mountPath, req.NamespaceID); err != nil {
		return backend.Response{}, err
	} else if exists {
		return backend.Response{}, coverterr.New(coverterr.KindConflict, "a mount already exists at this path")
	}

	cfg, err := parseMountConfig(params.Config, model.MountConfig{DefaultLeaseTTL: b.defaultLeaseTTL, MaxLeaseTTL: b.maxLeaseTTL})
	if err != nil {
		return backend.Response{}, err
	}

	m := model.Mount{
		ID:          uuid.New().String(),
		Path:        mountPath,
		BackendType: model.BackendType(params.Type),
		Config:      cfg,
		NamespaceID: req.NamespaceID,
	}
	be, err := b.instantiateBackend(ctx, m)
	if err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "mounting backend", err)
	}
	if err := repos.mounts.Create(ctx, m); err != nil {
		return backend.Response{}, err
	}
	b.router.Mount(m.ID, be)
	b.mountedMu.Lock()
	b.mounted[m.ID] = be
	b.mountedMu.Unlock()

	return backend.RawResponse(mountResponse{
		ID: m.ID, Path: m.Path, Type: string(m.BackendType),
		Config: mountConfigParams{DefaultLeaseTTL: cfg.DefaultLeaseTTL.String(), MaxLeaseTTL: cfg.MaxLeaseTTL.String()},
	}), nil
}

// updateMount adjusts a mount's lease TTL bounds, pushing the new config
// into the live backend instance so in-flight credential issuance picks it
// up without a remount.
func (b *Backend) updateMount(ctx context.Context, req backend.Request, mountPath string) (backend.Response, error) {
	var params updateMountParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}

	repos := b.getRepos()
	m, ok, err := repos.mounts.GetByPath(ctx, mountPath, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "mount not found")
	}
	cfg, err := parseMountConfig(params.Config, m.Config)
	if err != nil {
		return backend.Response{}, err
	}
	if err := repos.mounts.SetConfig(ctx, mountPath, req.NamespaceID, cfg); err != nil {
		return backend.Response{}, err
	}

	b.mountedMu.Lock()
	if be, ok := b.mounted[m.ID]; ok {
		switch typed := be.(type) {
		case interface{ UpdateMountConfig(model.MountConfig) }:
			typed.UpdateMountConfig(cfg)
		}
	}
	b.mountedMu.Unlock()

	return backend.RawResponse(mountResponse{
		ID: m.ID, Path: m.Path, Type: string(m.BackendType),
		Config: mountConfigParams{DefaultLeaseTTL: cfg.DefaultLeaseTTL.String(), MaxLeaseTTL: cfg.MaxLeaseTTL.String()},
	}), nil
}

// disableMount unmounts a backend, revoking every lease it ever issued and
// dropping its storage tables, per spec §4.4's unmount semantics.
func (b *Backend) disableMount(ctx context.Context, req backend.Request, mountPath string) (backend.Response, error) {
	repos := b.getRepos()
	m, ok, err := repos.mounts.GetByPath(ctx, mountPath, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "mount not found")
	}

	if _, err := b.leases.RevokeByMountPrefix(ctx, req.NamespaceID, mountPath); err != nil {
		return backend.Response{}, err
	}

	b.router.Remove(m.ID)
	b.mountedMu.Lock()
	delete(b.mounted, m.ID)
	b.mountedMu.Unlock()

	if tables, terr := b.pool.TablesWithPrefix(ctx, m.StoragePrefix()); terr == nil {
		for _, t := range tables {
			_ = b.pool.DropTable(ctx, t)
		}
	}

	if _, err := repos.mounts.RemoveByPath(ctx, mountPath, req.NamespaceID); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(disableMountResponse{Mount: toMountListItem(m)}), nil
}

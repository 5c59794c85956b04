package sysbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/backend/kv"
	"github.com/covertsh/covert/internal/backend/postgres"
	"github.com/covertsh/covert/internal/backend/userpass"
	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/policy"
	"github.com/covertsh/covert/internal/repo"
	"github.com/covertsh/covert/internal/seal"
	"github.com/covertsh/covert/internal/storage/migrate"
	"github.com/covertsh/covert/internal/version"
)

func (b *Backend) handleInitialize(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpCreate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on init")
	}
	var params initializeParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}

	key, err := b.pool.Initialize()
	if err != nil {
		return backend.Response{}, err
	}
	if key == "" {
		return backend.RawResponse(initializeResponse{Message: "storage is already initialized"}), nil
	}

	if err := b.seal.SetConfig(ctx, model.SealConfig{Shares: params.Shares, Threshold: params.Threshold}); err != nil {
		return backend.Response{}, err
	}
	shares, err := seal.Split(key, params.Shares, params.Threshold)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(initializeResponse{Shares: shares}), nil
}

func (b *Backend) handleUnseal(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpCreate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on unseal")
	}
	var params unsealParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}

	cfg, ok, err := b.seal.GetConfig(ctx)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindForbiddenState, "storage has not been initialized")
	}

	for _, share := range params.Shares {
		if err := b.seal.InsertKeyShare(ctx, share); err != nil {
			return backend.Response{}, err
		}
	}
	shares, err := b.seal.GetKeyShares(ctx)
	if err != nil {
		return backend.Response{}, err
	}
	if len(shares) < cfg.Threshold {
		return backend.RawResponse(unsealResponse{
			Complete:          false,
			Threshold:         cfg.Threshold,
			KeySharesProvided: len(shares),
			KeySharesTotal:    cfg.Shares,
		}), nil
	}

	// The accumulated shares are consumed exactly once: clear them whether
	// or not the reconstructed key actually opens the pool, mirroring
	// handle_unseal's unconditional accumulator reset.
	defer func() { _ = b.seal.ClearKeyShares(ctx) }()

	masterKey, err := seal.Combine(shares)
	if err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindMasterKeyRecovery, "", err)
	}
	if err := b.pool.Unseal(masterKey); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindMasterKeyRecovery, "", err)
	}
	if err := migrate.RunGlobalMigrations(b.dbPath, masterKey, b.migrationsDir); err != nil {
		return backend.Response{}, err
	}

	rootToken, err := b.onUnsealed(ctx)
	if err != nil {
		return backend.Response{}, err
	}

	return backend.RawResponse(unsealResponse{Complete: true, RootToken: rootToken}), nil
}

// onUnsealed rebuilds every repo against the freshly opened connection,
// remounts every stored mount's backend, starts the expiration manager, and
// mints a fresh root token, idempotently (re)creating the root namespace,
// policy, and entity first. Grounded on covert-server/src/system/unseal.rs's
// unseal() and generate_root_token().
func (b *Backend) onUnsealed(ctx context.Context) (string, error) {
	db, err := b.pool.DB()
	if err != nil {
		return "", err
	}

	repos := sysRepos{
		namespaces: repo.NewNamespaceRepo(db),
		mounts:     repo.NewMountRepo(db),
		policies:   repo.NewPolicyRepo(db),
		entities:   repo.NewEntityRepo(db),
		tokens:     repo.NewTokenRepo(db),
		leases:     repo.NewLeaseRepo(db),
	}
	b.setRepos(repos)

	if err := b.ensureRootIdentity(ctx, repos); err != nil {
		return "", err
	}

	if err := b.remountAll(ctx, repos); err != nil {
		return "", err
	}

	b.pipe.SetRepos(repos.namespaces, repos.tokens, repos.entities)
	b.router.SetMounts(repos.mounts)
	b.leases.SetRepos(repos.leases, repos.mounts)
	go b.leases.Start(b.ctx, model.RootNamespaceID)

	rootToken, err := model.GenerateTokenValue()
	if err != nil {
		return "", coverterr.Wrap(coverterr.KindInternal, "generating root token", err)
	}
	if err := repos.tokens.Create(ctx, model.Token{
		Value:       rootToken,
		EntityName:  "root",
		NamespaceID: model.RootNamespaceID,
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   nil,
	}); err != nil {
		return "", err
	}
	return rootToken, nil
}

// ensureRootIdentity idempotently creates the root namespace, the
// all-powerful root policy, and a "root" entity holding it, so the freshly
// minted root token below always resolves to a usable identity.
func (b *Backend) ensureRootIdentity(ctx context.Context, repos sysRepos) error {
	if _, err := repos.namespaces.GetByID(ctx, model.RootNamespaceID); err != nil {
		if !coverterr.Is(err, coverterr.KindNotFound) {
			return err
		}
		if err := repos.namespaces.Create(ctx, model.Namespace{ID: model.RootNamespaceID, Name: model.RootNamespaceName}); err != nil {
			return err
		}
	}

	if _, ok, err := repos.policies.Lookup(ctx, policy.RootPolicyName, model.RootNamespaceID); err != nil {
		return err
	} else if !ok {
		if err := repos.policies.Create(ctx, policy.Root(model.RootNamespaceID)); err != nil {
			return err
		}
	}

	if _, ok, err := repos.entities.Get(ctx, "root", model.RootNamespaceID); err != nil {
		return err
	} else if !ok {
		if err := repos.entities.Create(ctx, model.Entity{Name: "root", NamespaceID: model.RootNamespaceID, Disabled: false}); err != nil {
			return err
		}
		if err := repos.entities.AttachPolicy(ctx, "root", policy.RootPolicyName, model.RootNamespaceID); err != nil {
			return err
		}
	}
	return nil
}

// remountAll walks every namespace's stored mounts and reattaches a live
// backend instance to the router, the step that makes a reseal/unseal cycle
// transparent to already-configured secret engines.
func (b *Backend) remountAll(ctx context.Context, repos sysRepos) error {
	b.mountedMu.Lock()
	defer b.mountedMu.Unlock()
	b.mounted = map[string]backend.Backend{}

	var walk func(namespaceID string) error
	walk = func(namespaceID string) error {
		mounts, err := repos.mounts.List(ctx, namespaceID)
		if err != nil {
			return err
		}
		for _, m := range mounts {
			be, err := b.instantiateBackend(ctx, m)
			if err != nil {
				return fmt.Errorf("remounting %s at %s: %w", m.BackendType, m.Path, err)
			}
			b.router.Mount(m.ID, be)
			b.mounted[m.ID] = be
		}
		children, err := repos.namespaces.ListChildren(ctx, namespaceID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(model.RootNamespaceID)
}

func (b *Backend) instantiateBackend(ctx context.Context, m model.Mount) (backend.Backend, error) {
	pool := backendpool.New(m.ID, m.StoragePrefix(), b.pool)
	switch m.BackendType {
	case model.BackendKV:
		return kv.New(ctx, pool)
	case model.BackendPostgres:
		return postgres.New(ctx, pool, m.Config)
	case model.BackendUserpass:
		return userpass.New(ctx, pool, m.Config)
	default:
		return nil, coverterr.New(coverterr.KindBadRequest, "unknown backend type: "+string(m.BackendType))
	}
}

func (b *Backend) handleSeal(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpCreate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on seal")
	}
	if req.NamespaceID != model.RootNamespaceID {
		return backend.Response{}, coverterr.New(coverterr.KindSealInNonRootNamespace, "")
	}

	b.leases.Stop()
	b.router.ClearMounts()
	b.mountedMu.Lock()
	b.mounted = map[string]backend.Backend{}
	b.mountedMu.Unlock()
	b.setRepos(sysRepos{})

	if err := b.pool.Seal(); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(sealResponse{Message: "storage sealed"}), nil
}

func (b *Backend) handleStatus(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpRead {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on status")
	}
	return backend.RawResponse(statusResponse{
		State:         b.pool.State().String(),
		Version:       version.Version,
		CommitSHA:     version.Commit,
		UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
	}), nil
}

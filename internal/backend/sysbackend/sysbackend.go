// Package sysbackend implements the built-in sys/ mount (spec §4.11): the
// seal lifecycle, mount/policy/namespace/entity management, lease
// introspection, and token revoke/renew. Unlike every other backend it is
// never constructed by mount_route_entry — it is wired once at startup and
// lives for the process's entire lifetime, reaching across the seal
// boundary to rebuild every other component's repos on unseal and tear
// them down on seal. Grounded on covert-server/src/system/mod.rs and its
// sibling handler files.
package sysbackend

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/lease"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/pipeline"
	"github.com/covertsh/covert/internal/repo"
	"github.com/covertsh/covert/internal/router"
	"github.com/covertsh/covert/internal/storage"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// sysRepos is the set of repositories this backend owns independently of
// the pipeline's and router's own copies (set in internal/pipeline and
// internal/router respectively): all rebuilt together against the fresh
// database connection a successful unseal opens.
type sysRepos struct {
	namespaces *repo.NamespaceRepo
	mounts     *repo.MountRepo
	policies   *repo.PolicyRepo
	entities   *repo.EntityRepo
	tokens     *repo.TokenRepo
	leases     *repo.LeaseRepo
}

// Backend is the sys/ mount. The zero value is not usable; construct with
// New.
type Backend struct {
	ctx             context.Context
	pool            *storage.Pool
	dbPath          string
	migrationsDir   string
	seal            *repo.SealRepo
	router          *router.Router
	leases          *lease.Manager
	pipe            *pipeline.Pipeline
	defaultLeaseTTL time.Duration
	maxLeaseTTL     time.Duration
	startedAt       time.Time

	reposMu sync.RWMutex
	repos   sysRepos

	mountedMu sync.Mutex
	mounted   map[string]backend.Backend // mount id -> live backend, reused by config updates
}

// New returns a Backend wired to the process-lifetime dependencies. ctx is
// the server's base context; it is cancelled on graceful shutdown and
// bounds the expiration manager's run loop started on every unseal. dbPath
// and migrationsDir are needed to apply the global schema migrations against
// the pool's own file the moment it is unsealed, before any repo touches it.
func New(ctx context.Context, pool *storage.Pool, dbPath, migrationsDir string, sealRepo *repo.SealRepo, rt *router.Router, leases *lease.Manager, pipe *pipeline.Pipeline, defaultLeaseTTL, maxLeaseTTL time.Duration) *Backend {
	return &Backend{
		ctx:             ctx,
		pool:            pool,
		dbPath:          dbPath,
		migrationsDir:   migrationsDir,
		seal:            sealRepo,
		router:          rt,
		leases:          leases,
		pipe:            pipe,
		defaultLeaseTTL: defaultLeaseTTL,
		maxLeaseTTL:     maxLeaseTTL,
		startedAt:       time.Now(),
		mounted:         map[string]backend.Backend{},
	}
}

// Type reports this backend as the built-in system mount.
func (b *Backend) Type() model.BackendType { return model.BackendSystem }

func (b *Backend) setRepos(r sysRepos) {
	b.reposMu.Lock()
	defer b.reposMu.Unlock()
	b.repos = r
}

func (b *Backend) getRepos() sysRepos {
	b.reposMu.RLock()
	defer b.reposMu.RUnlock()
	return b.repos
}

// Handle dispatches a request to this backend's routing table. Path
// parameters are extracted by prefix trimming, the same convention every
// other backend in this module uses, since the pipeline never populates
// backend.Request.Params.
func (b *Backend) Handle(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch {
	case req.Path == "init":
		return b.handleInitialize(ctx, req)
	case req.Path == "unseal":
		return b.handleUnseal(ctx, req)
	case req.Path == "seal":
		return b.handleSeal(ctx, req)
	case req.Path == "status":
		return b.handleStatus(ctx, req)

	case req.Path == "mounts":
		return b.handleMountsList(ctx, req)
	case strings.HasPrefix(req.Path, "mounts/"):
		return b.handleMount(ctx, req, strings.TrimPrefix(req.Path, "mounts/"))

	case req.Path == "policies":
		return b.handlePolicies(ctx, req)
	case strings.HasPrefix(req.Path, "policies/"):
		return b.handleDeletePolicy(ctx, req, strings.TrimPrefix(req.Path, "policies/"))

	case req.Path == "namespaces":
		return b.handleNamespaces(ctx, req)
	case strings.HasPrefix(req.Path, "namespaces/"):
		return b.handleDeleteNamespace(ctx, req, strings.TrimPrefix(req.Path, "namespaces/"))

	case req.Path == "entity":
		return b.handleEntity(ctx, req)
	case req.Path == "entity/policy":
		return b.handleAttachEntityPolicy(ctx, req)
	case strings.HasPrefix(req.Path, "entity/policy/"):
		return b.handleRemoveEntityPolicy(ctx, req, strings.TrimPrefix(req.Path, "entity/policy/"))
	case req.Path == "entity/alias":
		return b.handleAttachEntityAlias(ctx, req)
	case strings.HasPrefix(req.Path, "entity/alias/"):
		return b.handleRemoveEntityAlias(ctx, req, strings.TrimPrefix(req.Path, "entity/alias/"))

	case strings.HasPrefix(req.Path, "leases/revoke-mount/"):
		return b.handleLeaseRevokeByMount(ctx, req, strings.TrimPrefix(req.Path, "leases/revoke-mount/"))
	case strings.HasPrefix(req.Path, "leases/revoke/"):
		return b.handleLeaseRevoke(ctx, req, strings.TrimPrefix(req.Path, "leases/revoke/"))
	case strings.HasPrefix(req.Path, "leases/renew/"):
		return b.handleLeaseRenew(ctx, req, strings.TrimPrefix(req.Path, "leases/renew/"))
	case strings.HasPrefix(req.Path, "leases/lookup-mount/"):
		return b.handleLeaseListByMount(ctx, req, strings.TrimPrefix(req.Path, "leases/lookup-mount/"))
	case strings.HasPrefix(req.Path, "leases/lookup/"):
		return b.handleLeaseLookup(ctx, req, strings.TrimPrefix(req.Path, "leases/lookup/"))

	default:
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "unknown sys route")
	}
}

func decodeBody(data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return coverterr.Wrap(coverterr.KindBadRequest, "decoding request body", err)
	}
	if err := validate.Struct(dst); err != nil {
		return coverterr.Wrap(coverterr.KindBadRequest, "validating request body", err)
	}
	return nil
}

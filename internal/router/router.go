// Package router implements the in-memory mount router (spec §4.4): a map
// from mount id to a live backend.Backend handle, backed by the persistent
// repo.MountRepo for longest-prefix resolution. Grounded on
// covert-server/src/router.rs's Router.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/repo"
)

// SystemMountPath is the fixed prefix of the built-in system backend,
// reachable even in the Sealed and Uninitialized states.
const SystemMountPath = "sys/"

const systemKey = "system"

// Router maps mount id to backend handle. The zero value is not usable;
// construct with New.
type Router struct {
	mu       sync.RWMutex
	backends map[string]backend.Backend
	mounts   *repo.MountRepo
}

// New returns a Router backed by mounts.
func New(mounts *repo.MountRepo) *Router {
	return &Router{backends: make(map[string]backend.Backend), mounts: mounts}
}

// SetMounts swaps in the MountRepo built against the database connection
// opened by the most recent unseal. A reseal closes the connection the
// previous repo was built against; the system backend's unseal handler
// calls this after every successful unseal before traffic resumes.
func (r *Router) SetMounts(mounts *repo.MountRepo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts = mounts
}

func (r *Router) mountRepo() *repo.MountRepo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mounts
}

// MountSystem attaches the built-in system backend, reachable regardless of
// namespace resolution.
func (r *Router) MountSystem(b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[systemKey] = b
}

// GetSystemMount returns the attached system backend, if any.
func (r *Router) GetSystemMount() (backend.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[systemKey]
	return b, ok
}

// Mount exposes a logical backend under mountID.
func (r *Router) Mount(mountID string, b backend.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[mountID] = b
}

// Remove detaches mountID, reporting whether it was present.
func (r *Router) Remove(mountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[mountID]; !ok {
		return false
	}
	delete(r.backends, mountID)
	return true
}

// ClearMounts detaches every backend except the system mount, used when
// sealing (spec §4.11).
func (r *Router) ClearMounts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sys, hadSys := r.backends[systemKey]
	r.backends = make(map[string]backend.Backend)
	if hadSys {
		r.backends[systemKey] = sys
	}
}

// Result carries the resolved mount path and config alongside the
// backend's response, needed by the pipeline's lease-registration layer.
type Result struct {
	Response  backend.Response
	MountPath string
	Config    model.MountConfig
}

// Route resolves req.Path to a mounted backend and dispatches it, per spec
// §4.4. hasNamespace is false only while the pool is Sealed or
// Uninitialized, in which case only sys/ requests are permitted.
func (r *Router) Route(ctx context.Context, hasNamespace bool, namespaceID string, req backend.Request) (Result, error) {
	var (
		b         backend.Backend
		mountPath string
		cfg       model.MountConfig
	)

	switch {
	case strings.HasPrefix(req.Path, SystemMountPath):
		sb, ok := r.GetSystemMount()
		if !ok {
			return Result{}, coverterr.New(coverterr.KindInternal, "system backend not mounted")
		}
		b, mountPath = sb, SystemMountPath

	case !hasNamespace:
		return Result{}, coverterr.New(coverterr.KindUnauthorized, "a namespace is required outside the sys/ mount")

	default:
		mount, ok, err := r.mountRepo().LongestPrefix(ctx, req.Path, namespaceID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, coverterr.New(coverterr.KindNotFound, "no mount for path "+req.Path)
		}
		r.mu.RLock()
		be, ok := r.backends[mount.ID]
		r.mu.RUnlock()
		if !ok {
			return Result{}, coverterr.New(coverterr.KindInternal, "mount "+mount.ID+" has no attached backend")
		}
		b, mountPath, cfg = be, mount.Path, mount.Config
	}

	req.Path = strings.TrimPrefix(req.Path, mountPath)
	req.MountPath = mountPath
	req.MountConfig = cfg
	req.NamespaceID = namespaceID

	resp, err := b.Handle(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: resp, MountPath: mountPath, Config: cfg}, nil
}

// ResolveBackend returns the backend mounted at the exact mountPath (either
// SystemMountPath or a stored mount's path), used by the expiration manager
// to call Revoke/Renew directly without going through the route gate.
func (r *Router) ResolveBackend(ctx context.Context, namespaceID, mountPath string) (backend.Backend, error) {
	if mountPath == SystemMountPath {
		b, ok := r.GetSystemMount()
		if !ok {
			return nil, coverterr.New(coverterr.KindInternal, "system backend not mounted")
		}
		return b, nil
	}
	mount, ok, err := r.mountRepo().GetByPath(ctx, mountPath, namespaceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coverterr.New(coverterr.KindNotFound, "mount not found: "+mountPath)
	}
	r.mu.RLock()
	b, ok := r.backends[mount.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, coverterr.New(coverterr.KindInternal, "mount "+mount.ID+" has no attached backend")
	}
	return b, nil
}

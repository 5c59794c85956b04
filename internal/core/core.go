// Package core assembles the process-lifetime dependency graph: the
// encrypted storage pool, the seal-state repository, the mount router, the
// expiration manager, the middleware pipeline, and the sys/ backend that
// ties them together. Grounded on covert-server/src/main.rs's startup
// sequence, adapted from Rust's single async main into an explicit
// constructor plus a Shutdown method idiomatic for a long-running Go
// service.
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/covertsh/covert/internal/backend/sysbackend"
	"github.com/covertsh/covert/internal/config"
	"github.com/covertsh/covert/internal/lease"
	"github.com/covertsh/covert/internal/pipeline"
	"github.com/covertsh/covert/internal/repo"
	"github.com/covertsh/covert/internal/router"
	"github.com/covertsh/covert/internal/storage"
)

// Server holds the fully wired backend dependency graph. The HTTP layer
// (internal/httpserver) mounts Pipeline at "/v1"; Server itself owns no
// listener.
type Server struct {
	Pool     *storage.Pool
	Pipeline *pipeline.Pipeline
	Router   *router.Router
	Leases   *lease.Manager
	Sys      *sysbackend.Backend
}

// New builds the dependency graph but does not start the expiration
// manager: that only happens once the pool is unsealed, from inside
// sysbackend's own unseal handler, since there is nothing to expire before
// then. The construction order avoids circularity: the router and lease
// manager are built first with nil repos, the pipeline next, and finally
// sysbackend, which is the only component that holds direct references to
// everything else and is responsible for wiring fresh repos into each of
// them on every successful unseal.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	dbPath := filepath.Join(cfg.StorageDir, "covert.db")
	sealDBPath := filepath.Join(cfg.StorageDir, "seal.db")

	pool, err := storage.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage pool: %w", err)
	}

	sealDB, err := storage.OpenSealDB(sealDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening seal database: %w", err)
	}
	sealRepo, err := repo.NewSealRepo(sealDB)
	if err != nil {
		return nil, fmt.Errorf("constructing seal repo: %w", err)
	}

	defaultLeaseTTL, err := time.ParseDuration(cfg.DefaultLeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing default lease ttl: %w", err)
	}
	maxLeaseTTL, err := time.ParseDuration(cfg.MaxLeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing max lease ttl: %w", err)
	}
	leaseRetryTimeout, err := time.ParseDuration(cfg.LeaseRetryTimeout)
	if err != nil {
		return nil, fmt.Errorf("parsing lease retry timeout: %w", err)
	}

	rt := router.New(nil)
	leases := lease.NewManager(rt, nil, nil, leaseRetryTimeout, cfg.LeaseMaxRetries)
	pipe := pipeline.New(pool.State, nil, nil, nil, rt, leases)
	sys := sysbackend.New(ctx, pool, dbPath, cfg.MigrationsDir, sealRepo, rt, leases, pipe, defaultLeaseTTL, maxLeaseTTL)
	rt.MountSystem(sys)

	return &Server{Pool: pool, Pipeline: pipe, Router: rt, Leases: leases, Sys: sys}, nil
}

// Ready reports whether the server can accept logical requests at all: the
// storage pool must at least be constructed, which New guarantees, so this
// always succeeds. Seal-state gating happens per-request inside the
// pipeline's route gate, not at the process health-check level.
func (s *Server) Ready(_ context.Context) error {
	return nil
}

// Shutdown stops the expiration manager's background loop, a no-op if the
// pool was never unsealed.
func (s *Server) Shutdown(_ context.Context) {
	s.Leases.Stop()
}

// Package lease implements the expiration manager (spec §4.5): an
// in-memory min-heap of leases keyed by expiry, backed by the persistent
// repo.LeaseRepo, driving revoke/renew dispatch back through the mount
// router. Grounded on covert-server/src/expiration_manager.rs's
// ExpirationManager.
package lease

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/repo"
	"github.com/covertsh/covert/internal/router"
	"github.com/covertsh/covert/internal/telemetry"
	"github.com/covertsh/covert/internal/ttlclamp"
)

// Manager is the single background task driving lease expiry. The zero
// value is not usable; construct with NewManager.
type Manager struct {
	router *router.Router

	reposMu sync.RWMutex
	leases  *repo.LeaseRepo
	mounts  *repo.MountRepo

	retryTimeout time.Duration
	maxRetries   int

	mu      sync.Mutex
	pending leaseHeap

	notify   chan struct{}
	shutdown chan struct{}
	done     chan struct{}
}

// NewManager returns a Manager. retryTimeout and maxRetries bound the
// revoke task's backoff (spec §4.5's Revoke task).
func NewManager(rt *router.Router, leases *repo.LeaseRepo, mounts *repo.MountRepo, retryTimeout time.Duration, maxRetries int) *Manager {
	return &Manager{
		router:       rt,
		leases:       leases,
		mounts:       mounts,
		retryTimeout: retryTimeout,
		maxRetries:   maxRetries,
		notify:       make(chan struct{}, 1),
	}
}

// SetRepos swaps in the repos built against the database connection opened
// by the most recent unseal. A reseal closes the connection the previous
// repos were built against; the system backend's unseal handler calls this
// after every successful unseal before Start is (re-)invoked.
func (m *Manager) SetRepos(leases *repo.LeaseRepo, mounts *repo.MountRepo) {
	m.reposMu.Lock()
	defer m.reposMu.Unlock()
	m.leases, m.mounts = leases, mounts
}

func (m *Manager) repos() (*repo.LeaseRepo, *repo.MountRepo) {
	m.reposMu.RLock()
	defer m.reposMu.RUnlock()
	return m.leases, m.mounts
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Register persists le then pushes it onto the heap, waking the main loop
// if le is now the earliest pending expiry.
func (m *Manager) Register(ctx context.Context, le model.LeaseEntry) error {
	leases, _ := m.repos()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := leases.Create(ctx, le); err != nil {
		return err
	}

	notify := len(m.pending) == 0 || le.ExpiresAt.Before(m.pending[0].ExpiresAt)
	heap.Push(&m.pending, le)
	telemetry.LeasesPending.Inc()
	if notify {
		m.wake()
	}
	return nil
}

// Lookup returns the persisted lease by id.
func (m *Manager) Lookup(ctx context.Context, leaseID string) (model.LeaseEntry, bool, error) {
	leases, _ := m.repos()
	return leases.Lookup(ctx, leaseID)
}

// ListByMountPrefix returns every lease issued under a mount path prefix.
func (m *Manager) ListByMountPrefix(ctx context.Context, prefix string) ([]model.LeaseEntry, error) {
	leases, _ := m.repos()
	return leases.ListByMountPrefix(ctx, prefix)
}

// RevokeByID performs an out-of-band revoke triggered by the API (spec
// §4.5's "Early revoke by id").
func (m *Manager) RevokeByID(ctx context.Context, namespaceID, leaseID string) (model.LeaseEntry, error) {
	leases, _ := m.repos()
	le, ok, err := leases.Lookup(ctx, leaseID)
	if err != nil {
		return model.LeaseEntry{}, err
	}
	if !ok {
		return model.LeaseEntry{}, coverterr.New(coverterr.KindNotFound, "lease not found")
	}
	if err := m.revoke(ctx, namespaceID, le); err != nil {
		return model.LeaseEntry{}, err
	}
	return le, nil
}

// RevokeByMountPrefix revokes every lease issued under prefix, returning
// the subset that succeeded.
func (m *Manager) RevokeByMountPrefix(ctx context.Context, namespaceID, prefix string) ([]model.LeaseEntry, error) {
	leaseRepo, _ := m.repos()
	leases, err := leaseRepo.ListByMountPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		le  model.LeaseEntry
		err error
	}
	results := make(chan outcome, len(leases))
	var wg sync.WaitGroup
	for _, le := range leases {
		wg.Add(1)
		go func(le model.LeaseEntry) {
			defer wg.Done()
			results <- outcome{le: le, err: m.revoke(ctx, namespaceID, le)}
		}(le)
	}
	wg.Wait()
	close(results)

	var revoked []model.LeaseEntry
	for r := range results {
		if r.err == nil {
			revoked = append(revoked, r.le)
		}
	}
	return revoked, nil
}

// revoke deletes the lease row first, then dispatches the revoke endpoint.
// A zero-row delete means a concurrent or retried caller already revoked
// this lease; that is not an error, and the backend is not called again.
// If the backend call fails, the row is re-inserted so the lease is not
// lost.
func (m *Manager) revoke(ctx context.Context, namespaceID string, le model.LeaseEntry) error {
	leases, _ := m.repos()
	deleted, err := leases.Delete(ctx, le.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}

	mountPath, relPath := revokeTarget(le)
	b, err := m.router.ResolveBackend(ctx, namespaceID, mountPath)
	if err != nil {
		_ = leases.Create(ctx, le)
		return err
	}
	if err := b.Revoke(ctx, relPath, le.RevokeData); err != nil {
		_ = leases.Create(ctx, le)
		return err
	}

	telemetry.LeasesPending.Dec()
	telemetry.LeaseRevocations.WithLabelValues("ok").Inc()
	return nil
}

func revokeTarget(le model.LeaseEntry) (mountPath, relPath string) {
	if le.RevokePath == nil {
		return router.SystemMountPath, "token/revoke"
	}
	return le.IssuedMountPath, *le.RevokePath
}

func renewTarget(le model.LeaseEntry) (mountPath, relPath string) {
	if le.RenewPath == nil {
		return router.SystemMountPath, "token/renew"
	}
	return le.IssuedMountPath, *le.RenewPath
}

// Renew dispatches the lease's renew endpoint, clamps the returned TTL to
// the issuing mount's bounds, and persists the new expiry (spec §4.5's
// Renew).
func (m *Manager) Renew(ctx context.Context, namespaceID, leaseID string, requestedTTL time.Duration) (model.LeaseEntry, error) {
	leases, mounts := m.repos()
	le, ok, err := leases.Lookup(ctx, leaseID)
	if err != nil {
		return model.LeaseEntry{}, err
	}
	if !ok {
		return model.LeaseEntry{}, coverterr.New(coverterr.KindNotFound, "lease not found")
	}
	mount, ok, err := mounts.GetByPath(ctx, le.IssuedMountPath, namespaceID)
	if err != nil {
		return model.LeaseEntry{}, err
	}
	if !ok {
		return model.LeaseEntry{}, coverterr.New(coverterr.KindNotFound, "issuing mount not found")
	}

	mountPath, relPath := renewTarget(le)
	b, err := m.router.ResolveBackend(ctx, namespaceID, mountPath)
	if err != nil {
		return model.LeaseEntry{}, err
	}
	rawTTL, err := b.Renew(ctx, relPath, le.RenewData)
	if err != nil {
		return model.LeaseEntry{}, err
	}
	if requestedTTL <= 0 || (rawTTL > 0 && rawTTL < requestedTTL) {
		requestedTTL = rawTTL
	}

	now := time.Now().UTC()
	ttl := ttlclamp.Calculate(now, le.IssuedAt, mount.Config.DefaultLeaseTTL, mount.Config.MaxLeaseTTL, requestedTTL)
	le.ExpiresAt = now.Add(ttl)
	le.LastRenewalTime = now
	if err := leases.Renew(ctx, leaseID, le.ExpiresAt, le.LastRenewalTime); err != nil {
		return model.LeaseEntry{}, err
	}
	return le, nil
}

// Start re-registers every persisted lease then runs the main revoke loop
// until ctx is cancelled or Stop is called. It blocks; callers should run
// it in its own goroutine.
func (m *Manager) Start(ctx context.Context, namespaceID string) error {
	m.mu.Lock()
	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()
	defer close(m.done)

	leaseRepo, _ := m.repos()
	list, err := leaseRepo.List(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pending = make(leaseHeap, 0, len(list))
	for _, le := range list {
		heap.Push(&m.pending, le)
	}
	m.mu.Unlock()
	telemetry.LeasesPending.Add(float64(len(list)))

	for {
		when, ok := m.nextWake()
		if !ok {
			select {
			case <-m.notify:
			case <-m.shutdown:
				return nil
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if d := time.Until(when); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-m.notify:
				timer.Stop()
			case <-m.shutdown:
				timer.Stop()
				return nil
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
			continue
		}
		m.sweep(ctx, namespaceID)
	}
}

// Stop signals the main loop to exit and waits for it to finish. A no-op if
// Start has not been called (or already stopped).
func (m *Manager) Stop() {
	m.mu.Lock()
	shutdown, done := m.shutdown, m.done
	m.mu.Unlock()
	if shutdown == nil || done == nil {
		return
	}
	select {
	case <-shutdown:
	default:
		close(shutdown)
	}
	<-done
}

// nextWake returns the instant the earliest pending lease expires, or
// false if the heap is empty.
func (m *Manager) nextWake() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return time.Time{}, false
	}
	return m.pending[0].ExpiresAt, true
}

// sweep pops every lease whose expiry has passed and, for each, either
// discards it (already revoked), re-pushes the up-to-date stored copy
// unrevoked (it was renewed since being queued), or spawns a revoke task.
func (m *Manager) sweep(ctx context.Context, namespaceID string) {
	leases, _ := m.repos()
	now := time.Now().UTC()
	for {
		m.mu.Lock()
		if len(m.pending) == 0 || m.pending[0].ExpiresAt.After(now) {
			m.mu.Unlock()
			return
		}
		le := heap.Pop(&m.pending).(model.LeaseEntry)
		m.mu.Unlock()

		stored, ok, err := leases.Lookup(ctx, le.ID)
		if err != nil {
			continue
		}
		if !ok {
			continue
		}
		if !stored.ExpiresAt.Equal(le.ExpiresAt) || stored.IssuedMountPath != le.IssuedMountPath {
			// Renewed since being queued; requeue the current copy
			// instead of revoking the stale one.
			m.mu.Lock()
			heap.Push(&m.pending, stored)
			m.mu.Unlock()
			continue
		}

		go m.revokeWithRetry(context.WithoutCancel(ctx), namespaceID, stored)
	}
}

// revokeWithRetry is the per-lease revoke task: on failure it re-queues
// the lease and backs off, aborting after maxRetries consecutive failures.
func (m *Manager) revokeWithRetry(ctx context.Context, namespaceID string, le model.LeaseEntry) {
	leases, _ := m.repos()
	attempts := le.FailedRevocationAttempts
	for {
		if err := m.revoke(ctx, namespaceID, le); err == nil {
			return
		}
		attempts++
		if attempts >= m.maxRetries {
			telemetry.LeasesPending.Dec()
			telemetry.LeaseRevocations.WithLabelValues("abandoned").Inc()
			return
		}
		telemetry.LeaseRevocations.WithLabelValues("retry").Inc()
		next := time.Now().UTC().Add(m.retryTimeout)
		_ = leases.IncrementFailedRevocationAttempts(ctx, le.ID, next)
		le.ExpiresAt = next
		le.FailedRevocationAttempts = attempts

		timer := time.NewTimer(m.retryTimeout)
		select {
		case <-timer.C:
		case <-m.shutdown:
			timer.Stop()
			return
		}
	}
}

// leaseHeap is a container/heap min-heap ordered by expiry, mirroring the
// Rust BinaryHeap<Reverse<LeaseEntry>>.
type leaseHeap []model.LeaseEntry

func (h leaseHeap) Len() int            { return len(h) }
func (h leaseHeap) Less(i, j int) bool  { return h[i].ExpiresAt.Before(h[j].ExpiresAt) }
func (h leaseHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *leaseHeap) Push(x interface{}) { *h = append(*h, x.(model.LeaseEntry)) }
func (h *leaseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

package lease

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/repo"
	"github.com/covertsh/covert/internal/router"
	"github.com/covertsh/covert/internal/storage"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	pool, cleanup, err := storage.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("NewForTest() error: %v", err)
	}
	t.Cleanup(cleanup)

	db, err := pool.DB()
	if err != nil {
		t.Fatalf("DB() error: %v", err)
	}
	schema, err := os.ReadFile("../../migrations/000001_core_schema.up.sql")
	if err != nil {
		t.Fatalf("reading schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return db
}

// fakeBackend records Revoke/Renew calls and lets tests script outcomes.
type fakeBackend struct {
	revokeCalls int32
	revokeErr   error
	renewTTL    time.Duration
	renewErr    error
}

func (f *fakeBackend) Handle(ctx context.Context, req backend.Request) (backend.Response, error) {
	return backend.Response{}, nil
}
func (f *fakeBackend) Revoke(ctx context.Context, path string, data []byte) error {
	atomic.AddInt32(&f.revokeCalls, 1)
	return f.revokeErr
}
func (f *fakeBackend) Renew(ctx context.Context, path string, data []byte) (time.Duration, error) {
	return f.renewTTL, f.renewErr
}
func (f *fakeBackend) Type() model.BackendType { return model.BackendKV }

const testNamespace = "ns-1"

func setupManager(t *testing.T) (*Manager, *router.Router, *repo.LeaseRepo, *repo.MountRepo) {
	t.Helper()
	db := setupDB(t)
	mounts := repo.NewMountRepo(db)
	leases := repo.NewLeaseRepo(db)

	if err := mounts.Create(context.Background(), model.Mount{
		ID: "mount-1", Path: "secret/", BackendType: model.BackendKV,
		Config:      model.MountConfig{DefaultLeaseTTL: time.Hour, MaxLeaseTTL: 24 * time.Hour},
		NamespaceID: testNamespace,
	}); err != nil {
		t.Fatalf("creating mount: %v", err)
	}

	rt := router.New(mounts)
	mgr := NewManager(rt, leases, mounts, 10*time.Millisecond, 2)
	return mgr, rt, leases, mounts
}

func TestRegisterAndLookup(t *testing.T) {
	mgr, _, _, _ := setupManager(t)
	ctx := context.Background()

	le := model.LeaseEntry{
		ID: "lease-1", IssuedMountPath: "secret/", RevokeData: []byte("{}"), RenewData: []byte("{}"),
		IssuedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour), LastRenewalTime: time.Now().UTC(),
	}
	if err := mgr.Register(ctx, le); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got, ok, err := mgr.Lookup(ctx, "lease-1")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v, %v", got, ok, err)
	}
	if got.IssuedMountPath != "secret/" {
		t.Fatalf("got = %+v", got)
	}
}

func TestRevokeByIDDeletesLeaseOnSuccess(t *testing.T) {
	mgr, rt, _, _ := setupManager(t)
	ctx := context.Background()

	fb := &fakeBackend{}
	rt.Mount("mount-1", fb)

	le := model.LeaseEntry{
		ID: "lease-2", IssuedMountPath: "secret/", RevokeData: []byte("{}"), RenewData: []byte("{}"),
		IssuedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour), LastRenewalTime: time.Now().UTC(),
	}
	if err := mgr.Register(ctx, le); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if _, err := mgr.RevokeByID(ctx, testNamespace, "lease-2"); err != nil {
		t.Fatalf("RevokeByID() error: %v", err)
	}
	if fb.revokeCalls != 1 {
		t.Fatalf("revokeCalls = %d, want 1", fb.revokeCalls)
	}
	if _, ok, _ := mgr.Lookup(ctx, "lease-2"); ok {
		t.Fatal("lease should have been deleted after successful revoke")
	}
}

func TestRevokeByIDMissingLease(t *testing.T) {
	mgr, _, _, _ := setupManager(t)
	if _, err := mgr.RevokeByID(context.Background(), testNamespace, "does-not-exist"); err == nil {
		t.Fatal("expected error for missing lease")
	}
}

func TestRenewClampsToMountMaxTTL(t *testing.T) {
	mgr, rt, _, _ := setupManager(t)
	ctx := context.Background()

	fb := &fakeBackend{renewTTL: 48 * time.Hour}
	rt.Mount("mount-1", fb)

	issuedAt := time.Now().UTC().Add(-23 * time.Hour)
	le := model.LeaseEntry{
		ID: "lease-3", IssuedMountPath: "secret/", RevokeData: []byte("{}"), RenewData: []byte("{}"),
		IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(time.Hour), LastRenewalTime: issuedAt,
	}
	if err := mgr.Register(ctx, le); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	renewed, err := mgr.Renew(ctx, testNamespace, "lease-3", 0)
	if err != nil {
		t.Fatalf("Renew() error: %v", err)
	}
	maxRemaining := issuedAt.Add(24 * time.Hour).Sub(time.Now().UTC())
	if renewed.ExpiresAt.After(issuedAt.Add(24 * time.Hour).Add(time.Second)) {
		t.Fatalf("renewed ExpiresAt = %v, should not exceed mount max TTL from issue (remaining ~%v)", renewed.ExpiresAt, maxRemaining)
	}
}

func TestRevokeTwiceIsIdempotent(t *testing.T) {
	mgr, rt, _, _ := setupManager(t)
	ctx := context.Background()

	fb := &fakeBackend{}
	rt.Mount("mount-1", fb)

	le := model.LeaseEntry{
		ID: "lease-4", IssuedMountPath: "secret/", RevokeData: []byte("{}"), RenewData: []byte("{}"),
		IssuedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour), LastRenewalTime: time.Now().UTC(),
	}
	if err := mgr.Register(ctx, le); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if err := mgr.revoke(ctx, testNamespace, le); err != nil {
		t.Fatalf("first revoke() error: %v", err)
	}
	if fb.revokeCalls != 1 {
		t.Fatalf("revokeCalls after first revoke = %d, want 1", fb.revokeCalls)
	}

	// A second revoke of the same (now-deleted) lease, as happens when a
	// concurrent revoke or a retried caller races the first, must short
	// -circuit on the zero-row delete instead of calling the backend again.
	if err := mgr.revoke(ctx, testNamespace, le); err != nil {
		t.Fatalf("second revoke() error: %v", err)
	}
	if fb.revokeCalls != 1 {
		t.Fatalf("revokeCalls after second revoke = %d, want 1 (already revoked)", fb.revokeCalls)
	}
}

func TestRevokeWithRetryStopsAfterMaxRetries(t *testing.T) {
	db := setupDB(t)
	mounts := repo.NewMountRepo(db)
	leases := repo.NewLeaseRepo(db)

	if err := mounts.Create(context.Background(), model.Mount{
		ID: "mount-1", Path: "secret/", BackendType: model.BackendKV,
		Config:      model.MountConfig{DefaultLeaseTTL: time.Hour, MaxLeaseTTL: 24 * time.Hour},
		NamespaceID: testNamespace,
	}); err != nil {
		t.Fatalf("creating mount: %v", err)
	}

	rt := router.New(mounts)
	const maxRetries = 5
	mgr := NewManager(rt, leases, mounts, time.Millisecond, maxRetries)

	fb := &fakeBackend{revokeErr: errors.New("backend unavailable")}
	rt.Mount("mount-1", fb)

	ctx := context.Background()
	le := model.LeaseEntry{
		ID: "lease-5", IssuedMountPath: "secret/", RevokeData: []byte("{}"), RenewData: []byte("{}"),
		IssuedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour), LastRenewalTime: time.Now().UTC(),
	}
	if err := mgr.Register(ctx, le); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	mgr.revokeWithRetry(ctx, testNamespace, le)

	if fb.revokeCalls != maxRetries {
		t.Fatalf("revokeCalls = %d, want exactly %d", fb.revokeCalls, maxRetries)
	}
}

func TestRevokeByMountPrefixRevokesEachLease(t *testing.T) {
	mgr, rt, _, _ := setupManager(t)
	ctx := context.Background()

	fb := &fakeBackend{}
	rt.Mount("mount-1", fb)

	for _, id := range []string{"lease-a", "lease-b"} {
		le := model.LeaseEntry{
			ID: id, IssuedMountPath: "secret/", RevokeData: []byte("{}"), RenewData: []byte("{}"),
			IssuedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour), LastRenewalTime: time.Now().UTC(),
		}
		if err := mgr.Register(ctx, le); err != nil {
			t.Fatalf("Register(%s) error: %v", id, err)
		}
	}

	revoked, err := mgr.RevokeByMountPrefix(ctx, testNamespace, "secret/")
	if err != nil {
		t.Fatalf("RevokeByMountPrefix() error: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("revoked = %d leases, want 2", len(revoked))
	}
	if fb.revokeCalls != 2 {
		t.Fatalf("revokeCalls = %d, want 2", fb.revokeCalls)
	}
}

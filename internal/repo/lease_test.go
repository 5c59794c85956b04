package repo

import (
	"context"
	"testing"
	"time"

	"github.com/covertsh/covert/internal/model"
)

func TestLeaseRepoCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nsRepo := NewNamespaceRepo(db)
	mountRepo := NewMountRepo(db)
	leaseRepo := NewLeaseRepo(db)

	ns := model.Namespace{ID: "ns-1", Name: "root"}
	if err := nsRepo.Create(ctx, ns); err != nil {
		t.Fatalf("creating namespace: %v", err)
	}
	mount := model.Mount{ID: "m-1", Path: "psql/", BackendType: model.BackendPostgres, NamespaceID: ns.ID}
	if err := mountRepo.Create(ctx, mount); err != nil {
		t.Fatalf("creating mount: %v", err)
	}

	if _, ok, err := leaseRepo.Peek(ctx); err != nil || ok {
		t.Fatalf("Peek() on empty table = ok=%v, err=%v", ok, err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	revokePath := "psql/revoke-entry"
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Millisecond)

	foobar := model.LeaseEntry{
		ID: "psql/foo/bar", IssuedMountPath: mount.Path,
		RevokePath: &revokePath, RevokeData: []byte("data"),
		IssuedAt: now, ExpiresAt: later, LastRenewalTime: now,
	}
	if err := leaseRepo.Create(ctx, foobar); err != nil {
		t.Fatalf("Create() foobar error: %v", err)
	}

	barfoo := model.LeaseEntry{
		ID: "psql/bar/foo", IssuedMountPath: mount.Path,
		RevokePath: &revokePath, RevokeData: []byte("data"),
		IssuedAt: now, ExpiresAt: earlier, LastRenewalTime: now,
	}
	if err := leaseRepo.Create(ctx, barfoo); err != nil {
		t.Fatalf("Create() barfoo error: %v", err)
	}

	peeked, ok, err := leaseRepo.Peek(ctx)
	if err != nil || !ok || peeked.ID != barfoo.ID {
		t.Fatalf("Peek() = %+v, ok=%v, err=%v, want soonest-expiring barfoo", peeked, ok, err)
	}

	pulled, err := leaseRepo.Pull(ctx, 100, later)
	if err != nil || len(pulled) != 2 {
		t.Fatalf("Pull() = %+v, %v, want both leases", pulled, err)
	}
	if pulled[0].ID != barfoo.ID {
		t.Errorf("Pull() order = %+v, want barfoo first", pulled)
	}

	byPrefix, err := leaseRepo.ListByMountPrefix(ctx, mount.Path)
	if err != nil || len(byPrefix) != 2 {
		t.Fatalf("ListByMountPrefix() = %+v, %v", byPrefix, err)
	}
	if none, err := leaseRepo.ListByMountPrefix(ctx, "random/"); err != nil || len(none) != 0 {
		t.Fatalf("ListByMountPrefix() on unrelated prefix = %+v, %v", none, err)
	}

	renewedAt := now.Add(2 * time.Hour)
	if err := leaseRepo.Renew(ctx, foobar.ID, renewedAt, renewedAt); err != nil {
		t.Fatalf("Renew() error: %v", err)
	}
	got, ok, err := leaseRepo.Lookup(ctx, foobar.ID)
	if err != nil || !ok || !got.ExpiresAt.Equal(renewedAt) {
		t.Fatalf("Lookup() after renew = %+v, ok=%v, err=%v", got, ok, err)
	}

	deleted, err := leaseRepo.Delete(ctx, foobar.ID)
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v", deleted, err)
	}

	all, err := leaseRepo.List(ctx)
	if err != nil || len(all) != 1 || all[0].ID != barfoo.ID {
		t.Fatalf("List() after delete = %+v, %v", all, err)
	}

	bumpedExpiry := now.Add(10 * time.Second)
	if err := leaseRepo.IncrementFailedRevocationAttempts(ctx, barfoo.ID, bumpedExpiry); err != nil {
		t.Fatalf("IncrementFailedRevocationAttempts() error: %v", err)
	}
	got, _, _ = leaseRepo.Lookup(ctx, barfoo.ID)
	if got.FailedRevocationAttempts != 1 {
		t.Errorf("FailedRevocationAttempts = %d, want 1", got.FailedRevocationAttempts)
	}
}

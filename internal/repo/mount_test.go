package repo

import (
	"context"
	"testing"
	"time"

	"github.com/covertsh/covert/internal/model"
)

func TestMountRepoCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nsRepo := NewNamespaceRepo(db)
	mountRepo := NewMountRepo(db)

	ns := model.Namespace{ID: "ns-1", Name: "root"}
	if err := nsRepo.Create(ctx, ns); err != nil {
		t.Fatalf("creating namespace: %v", err)
	}

	m := model.Mount{
		ID:          "mount-1",
		Path:        "foo/",
		BackendType: model.BackendKV,
		Config:      model.MountConfig{DefaultLeaseTTL: 30 * time.Second, MaxLeaseTTL: 60 * time.Second},
		NamespaceID: ns.ID,
	}
	if err := mountRepo.Create(ctx, m); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, ok, err := mountRepo.GetByPath(ctx, "foo/", ns.ID)
	if err != nil || !ok {
		t.Fatalf("GetByPath() = %+v, %v, %v", got, ok, err)
	}
	if got.Config.MaxLeaseTTL != 60*time.Second {
		t.Errorf("GetByPath() max ttl = %v, want 60s", got.Config.MaxLeaseTTL)
	}

	newCfg := model.MountConfig{DefaultLeaseTTL: 0, MaxLeaseTTL: 0}
	if err := mountRepo.SetConfig(ctx, "foo/", ns.ID, newCfg); err != nil {
		t.Fatalf("SetConfig() error: %v", err)
	}
	got, _, _ = mountRepo.GetByPath(ctx, "foo/", ns.ID)
	if got.Config.MaxLeaseTTL != 0 {
		t.Errorf("SetConfig() did not persist, max ttl = %v", got.Config.MaxLeaseTTL)
	}

	list, err := mountRepo.List(ctx, ns.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %+v, %v", list, err)
	}

	removed, err := mountRepo.RemoveByPath(ctx, "foo/", ns.ID)
	if err != nil || !removed {
		t.Fatalf("RemoveByPath() = %v, %v", removed, err)
	}
	if _, ok, _ := mountRepo.GetByPath(ctx, "foo/", ns.ID); ok {
		t.Error("mount should be gone after RemoveByPath")
	}
}

func TestMountRepoLongestPrefix(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nsRepo := NewNamespaceRepo(db)
	mountRepo := NewMountRepo(db)

	ns := model.Namespace{ID: "ns-1", Name: "root"}
	if err := nsRepo.Create(ctx, ns); err != nil {
		t.Fatalf("creating namespace: %v", err)
	}

	if _, ok, _ := mountRepo.LongestPrefix(ctx, "/", ns.ID); ok {
		t.Fatal("LongestPrefix() on empty mount table should find nothing")
	}

	ids := map[string]string{}
	for i, path := range []string{"/foo", "/foo/bar", "/foo/bar/baz"} {
		id := path
		ids[path] = id
		m := model.Mount{
			ID:          id,
			Path:        path,
			BackendType: model.BackendKV,
			NamespaceID: ns.ID,
		}
		if err := mountRepo.Create(ctx, m); err != nil {
			t.Fatalf("Create() mount %d error: %v", i, err)
		}
	}

	cases := []struct{ query, want string }{
		{"/foo", "/foo"},
		{"/foo/ba", "/foo"},
		{"/foo/bar", "/foo/bar"},
		{"/foo/bar/ba", "/foo/bar"},
		{"/foo/bar/baz", "/foo/bar/baz"},
		{"/foo/bar/baz/", "/foo/bar/baz"},
	}
	for _, c := range cases {
		got, ok, err := mountRepo.LongestPrefix(ctx, c.query, ns.ID)
		if err != nil {
			t.Fatalf("LongestPrefix(%q) error: %v", c.query, err)
		}
		if !ok || got.ID != ids[c.want] {
			t.Errorf("LongestPrefix(%q) = %+v, ok=%v, want mount %q", c.query, got, ok, c.want)
		}
	}
}

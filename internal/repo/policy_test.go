package repo

import (
	"context"
	"testing"

	"github.com/covertsh/covert/internal/model"
)

func TestPolicyRepoCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nsRepo := NewNamespaceRepo(db)
	policyRepo := NewPolicyRepo(db)

	ns := model.Namespace{ID: "ns-1", Name: "root"}
	if err := nsRepo.Create(ctx, ns); err != nil {
		t.Fatalf("creating namespace: %v", err)
	}

	p := model.Policy{
		Name: "foo",
		Paths: []model.PathRule{
			{Pattern: "foo/*", Operations: map[model.Operation]bool{model.OpRead: true}},
		},
		NamespaceID: ns.ID,
	}
	if err := policyRepo.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, ok, err := policyRepo.Lookup(ctx, "foo", ns.ID)
	if err != nil || !ok {
		t.Fatalf("Lookup() = %+v, %v, %v", got, ok, err)
	}
	if len(got.Paths) != 1 || !got.Paths[0].Operations[model.OpRead] {
		t.Errorf("Lookup() paths = %+v", got.Paths)
	}

	list, err := policyRepo.List(ctx, ns.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %+v, %v", list, err)
	}

	batch := policyRepo.BatchLookup(ctx, []string{"foo", "missing"}, ns.ID)
	if len(batch) != 1 {
		t.Errorf("BatchLookup() = %+v, want 1 resolved policy", batch)
	}

	removed, err := policyRepo.Remove(ctx, "foo", ns.ID)
	if err != nil || !removed {
		t.Fatalf("Remove() = %v, %v", removed, err)
	}
	if _, ok, _ := policyRepo.Lookup(ctx, "foo", ns.ID); ok {
		t.Error("policy should be gone after Remove")
	}
}

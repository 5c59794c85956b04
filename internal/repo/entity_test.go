package repo

import (
	"context"
	"testing"

	"github.com/covertsh/covert/internal/model"
)

func TestEntityRepoAliasAndPolicy(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nsRepo := NewNamespaceRepo(db)
	policyRepo := NewPolicyRepo(db)
	entityRepo := NewEntityRepo(db)
	mountRepo := NewMountRepo(db)

	ns := model.Namespace{ID: "ns-1", Name: "root"}
	if err := nsRepo.Create(ctx, ns); err != nil {
		t.Fatalf("creating namespace: %v", err)
	}

	foo := model.Policy{Name: "foo", NamespaceID: ns.ID}
	if err := policyRepo.Create(ctx, foo); err != nil {
		t.Fatalf("creating policy: %v", err)
	}

	entity := model.Entity{Name: "john", NamespaceID: ns.ID}
	if err := entityRepo.Create(ctx, entity); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := entityRepo.AttachPolicy(ctx, "john", "foo", ns.ID); err != nil {
		t.Fatalf("AttachPolicy() error: %v", err)
	}

	userpassMount := model.Mount{ID: "m-1", Path: "auth/", BackendType: model.BackendUserpass, NamespaceID: ns.ID}
	if err := mountRepo.Create(ctx, userpassMount); err != nil {
		t.Fatalf("creating mount: %v", err)
	}

	alias := model.EntityAlias{AliasName: "john-alias", MountPath: "auth/", EntityName: "john", NamespaceID: ns.ID}
	if err := entityRepo.AttachAlias(ctx, "john", alias); err != nil {
		t.Fatalf("AttachAlias() error: %v", err)
	}

	resolved, ok, err := entityRepo.GetEntityFromAlias(ctx, alias)
	if err != nil || !ok || resolved.Name != "john" {
		t.Fatalf("GetEntityFromAlias() = %+v, ok=%v, err=%v", resolved, ok, err)
	}

	summaries, err := entityRepo.List(ctx, ns.ID)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Name != "john" {
		t.Fatalf("List() = %+v", summaries)
	}
	if len(summaries[0].Policies) != 1 || summaries[0].Policies[0] != "foo" {
		t.Errorf("List() policies = %+v", summaries[0].Policies)
	}
	if len(summaries[0].Aliases) != 1 {
		t.Errorf("List() aliases = %+v", summaries[0].Aliases)
	}

	removedPolicy, err := entityRepo.RemovePolicy(ctx, "john", "foo", ns.ID)
	if err != nil || !removedPolicy {
		t.Fatalf("RemovePolicy() = %v, %v", removedPolicy, err)
	}
	if removedAgain, _ := entityRepo.RemovePolicy(ctx, "john", "foo", ns.ID); removedAgain {
		t.Error("RemovePolicy() twice should report false the second time")
	}

	removedAlias, err := entityRepo.RemoveAlias(ctx, "john", alias)
	if err != nil || !removedAlias {
		t.Fatalf("RemoveAlias() = %v, %v", removedAlias, err)
	}
	if _, ok, _ := entityRepo.GetEntityFromAlias(ctx, alias); ok {
		t.Error("alias lookup should fail after RemoveAlias")
	}
}

package repo

import (
	"context"
	"testing"
	"time"

	"github.com/covertsh/covert/internal/model"
)

func TestTokenRepoLookupPolicies(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nsRepo := NewNamespaceRepo(db)
	policyRepo := NewPolicyRepo(db)
	entityRepo := NewEntityRepo(db)
	tokenRepo := NewTokenRepo(db)

	ns := model.Namespace{ID: "ns-1", Name: "root"}
	if err := nsRepo.Create(ctx, ns); err != nil {
		t.Fatalf("creating namespace: %v", err)
	}
	for _, name := range []string{"foo", "bar"} {
		if err := policyRepo.Create(ctx, model.Policy{Name: name, NamespaceID: ns.ID}); err != nil {
			t.Fatalf("creating policy %s: %v", name, err)
		}
	}
	if err := entityRepo.Create(ctx, model.Entity{Name: "john", NamespaceID: ns.ID}); err != nil {
		t.Fatalf("creating entity: %v", err)
	}
	for _, name := range []string{"foo", "bar"} {
		if err := entityRepo.AttachPolicy(ctx, "john", name, ns.ID); err != nil {
			t.Fatalf("attaching policy %s: %v", name, err)
		}
	}

	now := time.Now().UTC()
	expiry := now.Add(time.Hour)
	tok := model.Token{Value: "hvs.token1", EntityName: "john", NamespaceID: ns.ID, IssuedAt: now, ExpiresAt: &expiry}
	if err := tokenRepo.Create(ctx, tok); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	policies, err := tokenRepo.LookupPolicies(ctx, tok.Value, now)
	if err != nil {
		t.Fatalf("LookupPolicies() error: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("LookupPolicies() = %+v, want 2 policies", policies)
	}

	removed, err := tokenRepo.Remove(ctx, tok.Value)
	if err != nil || !removed {
		t.Fatalf("Remove() = %v, %v", removed, err)
	}

	policies, err = tokenRepo.LookupPolicies(ctx, tok.Value, now)
	if err != nil {
		t.Fatalf("LookupPolicies() after removal error: %v", err)
	}
	if len(policies) != 0 {
		t.Errorf("LookupPolicies() after removal = %+v, want none", policies)
	}
}

func TestTokenRepoExpiredTokenHasNoPolicies(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nsRepo := NewNamespaceRepo(db)
	policyRepo := NewPolicyRepo(db)
	entityRepo := NewEntityRepo(db)
	tokenRepo := NewTokenRepo(db)

	ns := model.Namespace{ID: "ns-1", Name: "root"}
	nsRepo.Create(ctx, ns)
	policyRepo.Create(ctx, model.Policy{Name: "foo", NamespaceID: ns.ID})
	entityRepo.Create(ctx, model.Entity{Name: "john", NamespaceID: ns.ID})
	entityRepo.AttachPolicy(ctx, "john", "foo", ns.ID)

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	tok := model.Token{Value: "hvs.token2", EntityName: "john", NamespaceID: ns.ID, IssuedAt: past, ExpiresAt: &past}
	if err := tokenRepo.Create(ctx, tok); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	policies, err := tokenRepo.LookupPolicies(ctx, tok.Value, now)
	if err != nil {
		t.Fatalf("LookupPolicies() error: %v", err)
	}
	if len(policies) != 0 {
		t.Errorf("LookupPolicies() for expired token = %+v, want none", policies)
	}
}

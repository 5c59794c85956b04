package policy

import (
	"testing"

	"github.com/covertsh/covert/internal/model"
)

func TestParsePolicy(t *testing.T) {
	raw := `
# Allow tokens to look up their own properties
path "auth/token/lookup-self" {
    capabilities = ["read"]
}

# Allow general purpose tools
path "cubbyhole/*" {
    capabilities = ["create", "read", "update", "delete"]
}
`
	rules, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Parse() = %d rules, want 2", len(rules))
	}
	if rules[0].Pattern != "auth/token/lookup-self" || !rules[0].Operations[model.OpRead] {
		t.Fatalf("rule 0 = %+v", rules[0])
	}
	if rules[1].Pattern != "cubbyhole/*" {
		t.Fatalf("rule 1 pattern = %q", rules[1].Pattern)
	}
	for _, op := range []model.Operation{model.OpCreate, model.OpRead, model.OpUpdate, model.OpDelete} {
		if !rules[1].Operations[op] {
			t.Fatalf("rule 1 missing operation %q", op)
		}
	}
}

func TestRuleMatchesLiteralAndWildcard(t *testing.T) {
	literal := model.PathRule{Pattern: "sys/mounts", Operations: map[model.Operation]bool{model.OpRead: true}}
	if !ruleMatches(literal, "sys/mounts", []model.Operation{model.OpRead}) {
		t.Fatal("expected literal match")
	}
	if ruleMatches(literal, "sys/mounts", []model.Operation{model.OpUpdate}) {
		t.Fatal("expected capability mismatch to fail")
	}
	if ruleMatches(literal, "sys/mounts/", []model.Operation{model.OpRead}) {
		t.Fatal("literal pattern must not match a longer path")
	}

	wildcard := model.PathRule{Pattern: "sys/*", Operations: map[model.Operation]bool{model.OpRead: true, model.OpUpdate: true}}
	if !ruleMatches(wildcard, "sys/mounts/", []model.Operation{model.OpRead, model.OpUpdate}) {
		t.Fatal("expected wildcard match")
	}
	if ruleMatches(wildcard, "secret/", []model.Operation{model.OpRead}) {
		t.Fatal("wildcard must not match an unrelated prefix")
	}
}

func TestIsAuthorizedRootGrantsEverything(t *testing.T) {
	policies := []model.Policy{Root("ns1")}
	if !IsAuthorized(policies, "anything/at/all", []model.Operation{model.OpCreate, model.OpDelete}) {
		t.Fatal("root policy should authorize any path and operation set")
	}
	if !IsRoot(policies) {
		t.Fatal("IsRoot should recognize the root policy")
	}
}

func TestBatchAuthorizedRequiresCoverage(t *testing.T) {
	caller := []model.Policy{{
		Name: "writer",
		Paths: []model.PathRule{
			{Pattern: "secret/*", Operations: map[model.Operation]bool{model.OpRead: true, model.OpCreate: true}},
		},
	}}
	coveredDerived := []model.Policy{{
		Name: "derived-ok",
		Paths: []model.PathRule{
			{Pattern: "secret/data/foo", Operations: map[model.Operation]bool{model.OpRead: true}},
		},
	}}
	if !BatchAuthorized(caller, coveredDerived) {
		t.Fatal("expected caller's policy to cover the derived policy's paths")
	}

	uncoveredDerived := []model.Policy{{
		Name: "derived-bad",
		Paths: []model.PathRule{
			{Pattern: "other/path", Operations: map[model.Operation]bool{model.OpRead: true}},
		},
	}}
	if BatchAuthorized(caller, uncoveredDerived) {
		t.Fatal("expected uncovered derived policy path to fail authorization")
	}

	selfNamed := []model.Policy{{Name: "writer", Paths: []model.PathRule{{Pattern: "anything", Operations: map[model.Operation]bool{}}}}}
	if !BatchAuthorized(caller, selfNamed) {
		t.Fatal("a derived policy sharing the caller's policy name should be skipped, not checked")
	}
}

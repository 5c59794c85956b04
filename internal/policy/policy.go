// Package policy implements the HCL-like path-capability grammar (spec
// §4.9), grounded on covert-types/src/policy.rs's PathPolicy::parse and
// is_authorized. A policy is an ordered list of path rules; each rule names
// a literal or trailing-wildcard path pattern and the operations it grants.
package policy

import (
	"regexp"
	"strings"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

// RootPolicyName is the implicit policy granting every operation on every
// path, created idempotently on unseal.
const RootPolicyName = "root"

var ruleRegexp = regexp.MustCompile(`(?s)path[^}]+}`)
var fieldRegexp = regexp.MustCompile(`path"(.+)"\{capabilities=\[(.+)\]\}`)

var allOperations = []model.Operation{
	model.OpCreate, model.OpRead, model.OpUpdate, model.OpDelete, model.OpRevoke, model.OpRenew,
}

// Parse reads the HCL-like grammar into an ordered list of path rules.
// Comments (lines starting with '#' once leading whitespace is stripped)
// and all whitespace are removed before matching.
func Parse(raw string) ([]model.PathRule, error) {
	var b strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		b.WriteString(line)
	}
	stripped := stripWhitespace(b.String())

	var rules []model.PathRule
	for _, rule := range ruleRegexp.FindAllString(stripped, -1) {
		m := fieldRegexp.FindStringSubmatch(rule)
		if m == nil {
			return nil, coverterr.New(coverterr.KindBadRequest, "malformed policy rule")
		}
		pattern := m[1]
		ops := map[model.Operation]bool{}
		for _, capToken := range strings.Split(m[2], ",") {
			op, err := parseOperation(capToken)
			if err != nil {
				return nil, err
			}
			ops[op] = true
		}
		rules = append(rules, model.PathRule{Pattern: pattern, Operations: ops})
	}
	return rules, nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseOperation extracts an Operation out of a capability token that may
// carry stray quote/bracket characters from the surrounding regex match.
func parseOperation(token string) (model.Operation, error) {
	var b strings.Builder
	for _, r := range token {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	op := model.Operation(strings.ToLower(b.String()))
	for _, valid := range allOperations {
		if op == valid {
			return op, nil
		}
	}
	return "", coverterr.New(coverterr.KindBadRequest, "unknown capability: "+token)
}

// Root returns the implicit root policy, carrying no path rules but
// recognized as all-powerful by IsAuthorized and IsRoot.
func Root(namespaceID string) model.Policy {
	return model.Policy{Name: RootPolicyName, NamespaceID: namespaceID}
}

// IsRoot reports whether any of the given policies is the root policy.
func IsRoot(policies []model.Policy) bool {
	for _, p := range policies {
		if p.Name == RootPolicyName {
			return true
		}
	}
	return false
}

// IsAuthorized reports whether any of the given policies authorizes every
// operation in ops against path.
func IsAuthorized(policies []model.Policy, path string, ops []model.Operation) bool {
	for _, p := range policies {
		if p.Name == RootPolicyName {
			return true
		}
		if policyAuthorizes(p, path, ops) {
			return true
		}
	}
	return false
}

func policyAuthorizes(p model.Policy, path string, ops []model.Operation) bool {
	for _, rule := range p.Paths {
		if ruleMatches(rule, path, ops) {
			return true
		}
	}
	return false
}

func ruleMatches(rule model.PathRule, path string, ops []model.Operation) bool {
	if strings.HasSuffix(rule.Pattern, "*") {
		if !strings.HasPrefix(path, strings.TrimSuffix(rule.Pattern, "*")) {
			return false
		}
	} else if path != rule.Pattern {
		return false
	}
	for _, op := range ops {
		if !rule.Operations[op] {
			return false
		}
	}
	return true
}

// BatchAuthorized implements policy-to-policy authorization (spec §4.9):
// the caller's policies collectively must authorize every (path, ops) pair
// named by every rule of every policy in derived, skipping any derived
// policy whose name the caller already holds by name.
func BatchAuthorized(policies, derived []model.Policy) bool {
	held := map[string]bool{}
	for _, p := range policies {
		held[p.Name] = true
	}
	for _, d := range derived {
		if held[d.Name] {
			continue
		}
		for _, rule := range d.Paths {
			if !IsAuthorized(policies, rule.Pattern, opsOf(rule)) {
				return false
			}
		}
	}
	return true
}

func opsOf(rule model.PathRule) []model.Operation {
	out := make([]model.Operation, 0, len(rule.Operations))
	for _, op := range allOperations {
		if rule.Operations[op] {
			out = append(out, op)
		}
	}
	return out
}

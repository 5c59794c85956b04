package sysbackend

import (
	"context"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/policy"
)

// handlePolicies dispatches create (list lives on the same bare path for
// reads) against the policies collection.
func (b *Backend) handlePolicies(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch req.Operation {
	case model.OpRead:
		return b.listPolicies(ctx, req)
	case model.OpCreate, model.OpUpdate:
		return b.createPolicy(ctx, req)
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on policies")
	}
}

func (b *Backend) listPolicies(ctx context.Context, req backend.Request) (backend.Response, error) {
	repos := b.getRepos()
	policies, err := repos.policies.List(ctx, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	names := make([]string, 0, len(policies)+1)
	names = append(names, policy.RootPolicyName)
	for _, p := range policies {
		names = append(names, p.Name)
	}
	return backend.RawResponse(listPolicyResponse{Policies: names}), nil
}

func (b *Backend) createPolicy(ctx context.Context, req backend.Request) (backend.Response, error) {
	var params createPolicyParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}
	if params.Name == policy.RootPolicyName {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "the root policy name is reserved")
	}
	paths, err := policy.Parse(params.Policy)
	if err != nil {
		return backend.Response{}, err
	}

	repos := b.getRepos()
	if err := repos.policies.Create(ctx, model.Policy{Name: params.Name, Paths: paths, NamespaceID: req.NamespaceID}); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(createPolicyResponse{Name: params.Name}), nil
}

// handleDeletePolicy removes the named policy, extracted from the
// "policies/" route remainder.
func (b *Backend) handleDeletePolicy(ctx context.Context, req backend.Request, name string) (backend.Response, error) {
	if req.Operation != model.OpDelete {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on policies/*")
	}
	if name == policy.RootPolicyName {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "the root policy cannot be removed")
	}
	repos := b.getRepos()
	ok, err := repos.policies.Remove(ctx, name, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "policy not found")
	}
	return backend.RawResponse(removePolicyResponse{Policy: name}), nil
}

package sysbackend

import (
	"context"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/policy"
	"github.com/covertsh/covert/internal/reqctx"
	"github.com/covertsh/covert/internal/repo"
)

func toEntityResponse(s repo.EntitySummary, disabled bool) entityResponse {
	aliases := make([]entityAliasEntry, 0, len(s.Aliases))
	for _, a := range s.Aliases {
		aliases = append(aliases, entityAliasEntry{Name: a.AliasName, MountPath: a.MountPath})
	}
	return entityResponse{Name: s.Name, Policies: s.Policies, Aliases: aliases, Disabled: disabled}
}

// handleEntity dispatches create against the entity collection; reads list
// every entity in the namespace, a supplemented route covert-server never
// wires but spec.md's entity-management module requires.
func (b *Backend) handleEntity(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch req.Operation {
	case model.OpRead:
		return b.listEntities(ctx, req)
	case model.OpCreate:
		return b.createEntity(ctx, req)
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on entity")
	}
}

func (b *Backend) listEntities(ctx context.Context, req backend.Request) (backend.Response, error) {
	repos := b.getRepos()
	summaries, err := repos.entities.List(ctx, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	out := make([]entityResponse, 0, len(summaries))
	for _, s := range summaries {
		e, ok, err := repos.entities.Get(ctx, s.Name, req.NamespaceID)
		if err != nil {
			return backend.Response{}, err
		}
		disabled := ok && e.Disabled
		out = append(out, toEntityResponse(s, disabled))
	}
	return backend.RawResponse(listEntitiesResponse{Entities: out}), nil
}

func (b *Backend) createEntity(ctx context.Context, req backend.Request) (backend.Response, error) {
	var params createEntityParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}
	repos := b.getRepos()
	if _, exists, err := repos.entities.Get(ctx, params.Name, req.NamespaceID); err != nil {
		return backend.Response{}, err
	} else if exists {
		return backend.Response{}, coverterr.New(coverterr.KindConflict, "an entity with this name already exists")
	}
	if err := repos.entities.Create(ctx, model.Entity{Name: params.Name, NamespaceID: req.NamespaceID}); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(entityResponse{Name: params.Name, Policies: []string{}, Aliases: []entityAliasEntry{}}), nil
}

// handleAttachEntityPolicy attaches one or more policies to an entity. The
// caller must already be authorized for every path the granted policies
// cover (policy.BatchAuthorized), preventing privilege escalation by
// attaching a policy the caller itself could never exercise.
func (b *Backend) handleAttachEntityPolicy(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on entity/policy")
	}
	var params attachEntityPolicyParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}

	repos := b.getRepos()
	if _, ok, err := repos.entities.Get(ctx, params.Name, req.NamespaceID); err != nil {
		return backend.Response{}, err
	} else if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "entity not found")
	}

	derived := repos.policies.BatchLookup(ctx, params.PolicyNames, req.NamespaceID)
	if len(derived) != len(params.PolicyNames) {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "one or more policies do not exist")
	}

	callerPolicies, _ := reqctx.Policies(ctx)
	if !policy.BatchAuthorized(callerPolicies, derived) {
		return backend.Response{}, coverterr.New(coverterr.KindForbiddenState, "caller is not authorized to grant one or more of these policies")
	}

	attached := make([]string, 0, len(derived))
	for _, p := range derived {
		if err := repos.entities.AttachPolicy(ctx, params.Name, p.Name, req.NamespaceID); err != nil {
			return backend.Response{}, err
		}
		attached = append(attached, p.Name)
	}
	return backend.RawResponse(attachEntityPolicyResponse{Entity: params.Name, AttachedPolicies: attached}), nil
}

// handleRemoveEntityPolicy detaches the named policy from an entity, the
// name given as the route remainder.
func (b *Backend) handleRemoveEntityPolicy(ctx context.Context, req backend.Request, entityName string) (backend.Response, error) {
	if req.Operation != model.OpDelete {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on entity/policy/*")
	}
	var params removeEntityPolicyParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}
	repos := b.getRepos()
	ok, err := repos.entities.RemovePolicy(ctx, entityName, params.PolicyName, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "entity policy attachment not found")
	}
	return backend.RawResponse(struct {
		Entity string `json:"entity"`
		Policy string `json:"policy"`
	}{entityName, params.PolicyName}), nil
}

// handleAttachEntityAlias binds one or more auth-backend-local subject
// names to an entity, the resolution step a backend's AuthResponse later
// uses to find the entity a freshly issued token belongs to.
func (b *Backend) handleAttachEntityAlias(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on entity/alias")
	}
	var params attachEntityAliasParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}

	repos := b.getRepos()
	if _, ok, err := repos.entities.Get(ctx, params.Name, req.NamespaceID); err != nil {
		return backend.Response{}, err
	} else if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "entity not found")
	}

	attached := make([]string, 0, len(params.Aliases))
	for _, a := range params.Aliases {
		alias := model.EntityAlias{AliasName: a.Name, MountPath: a.MountPath, EntityName: params.Name, NamespaceID: req.NamespaceID}
		if err := repos.entities.AttachAlias(ctx, params.Name, alias); err != nil {
			return backend.Response{}, err
		}
		attached = append(attached, a.Name)
	}
	return backend.RawResponse(attachEntityAliasResponse{Entity: params.Name, AttachedAliases: attached}), nil
}

// handleRemoveEntityAlias detaches an alias from an entity, the entity name
// given as the route remainder.
func (b *Backend) handleRemoveEntityAlias(ctx context.Context, req backend.Request, entityName string) (backend.Response, error) {
	if req.Operation != model.OpDelete {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on entity/alias/*")
	}
	var params removeEntityAliasParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}
	repos := b.getRepos()
	alias := model.EntityAlias{AliasName: params.Alias, MountPath: params.MountPath, EntityName: entityName, NamespaceID: req.NamespaceID}
	ok, err := repos.entities.RemoveAlias(ctx, entityName, alias)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "entity alias not found")
	}
	return backend.RawResponse(struct {
		Entity string `json:"entity"`
		Alias  string `json:"alias"`
	}{entityName, params.Alias}), nil
}

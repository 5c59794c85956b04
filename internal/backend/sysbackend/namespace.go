package sysbackend

import (
	"context"

	"github.com/google/uuid"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

// handleNamespaces implements namespace creation and listing. Unlike the
// rest of this backend's routes, this one is not grounded on a wired Rust
// HTTP route: covert-server's namespace DTOs exist in covert-types but are
// never routed in system/mod.rs. spec.md requires namespace management
// regardless, so this is built from the DTO shapes alone.
func (b *Backend) handleNamespaces(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch req.Operation {
	case model.OpRead:
		return b.listNamespaces(ctx, req)
	case model.OpCreate:
		return b.createNamespace(ctx, req)
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on namespaces")
	}
}

func (b *Backend) listNamespaces(ctx context.Context, req backend.Request) (backend.Response, error) {
	repos := b.getRepos()
	children, err := repos.namespaces.ListChildren(ctx, req.NamespaceID)
	if err != nil {
		return backend.Response{}, err
	}
	out := make([]listNamespaceItemResponse, 0, len(children))
	for _, ns := range children {
		out = append(out, listNamespaceItemResponse{ID: ns.ID, Name: ns.Name})
	}
	return backend.RawResponse(listNamespaceResponse{Namespaces: out}), nil
}

func (b *Backend) createNamespace(ctx context.Context, req backend.Request) (backend.Response, error) {
	var params createNamespaceParams
	if err := decodeBody(req.Data, &params); err != nil {
		return backend.Response{}, err
	}
	repos := b.getRepos()
	parent := req.NamespaceID
	if _, err := repos.namespaces.FindByPath(ctx, params.Name, &parent); err == nil {
		return backend.Response{}, coverterr.New(coverterr.KindConflict, "a namespace with this name already exists here")
	}
	ns := model.Namespace{ID: uuid.New().String(), Name: params.Name, ParentNamespaceID: &parent}
	if err := repos.namespaces.Create(ctx, ns); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(createNamespaceResponse{ID: ns.ID, Name: ns.Name}), nil
}

// handleDeleteNamespace removes the namespace identified by id, the id
// given as the route remainder. Enforced empty by repo.NamespaceRepo.Remove
// per spec: a namespace is deletable only when it has no children or mounts.
func (b *Backend) handleDeleteNamespace(ctx context.Context, req backend.Request, id string) (backend.Response, error) {
	if req.Operation != model.OpDelete {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on namespaces/*")
	}
	if id == model.RootNamespaceID {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "the root namespace cannot be removed")
	}
	repos := b.getRepos()
	ns, err := repos.namespaces.GetByID(ctx, id)
	if err != nil {
		return backend.Response{}, err
	}
	ok, err := repos.namespaces.Remove(ctx, id)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "namespace not found")
	}
	return backend.RawResponse(createNamespaceResponse{ID: ns.ID, Name: ns.Name}), nil
}

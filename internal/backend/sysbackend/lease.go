package sysbackend

import (
	"context"
	"time"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

func toLeaseDTO(l model.LeaseEntry) leaseEntryDTO {
	return leaseEntryDTO{
		ID:              l.ID,
		IssuedMountPath: l.IssuedMountPath,
		IssueTime:       l.IssuedAt,
		ExpireTime:      l.ExpiresAt,
		LastRenewalTime: l.LastRenewalTime,
	}
}

// handleLeaseRevoke performs an out-of-band revoke of a single lease by id,
// the id given as the route remainder.
func (b *Backend) handleLeaseRevoke(ctx context.Context, req backend.Request, leaseID string) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpDelete {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on leases/revoke/*")
	}
	le, err := b.leases.RevokeByID(ctx, req.NamespaceID, leaseID)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(revokedLeaseResponse{Lease: toLeaseDTO(le)}), nil
}

// handleLeaseRevokeByMount revokes every lease issued under a mount path,
// the path given as the route remainder.
func (b *Backend) handleLeaseRevokeByMount(ctx context.Context, req backend.Request, mountPath string) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpDelete {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on leases/revoke-mount/*")
	}
	revoked, err := b.leases.RevokeByMountPrefix(ctx, req.NamespaceID, mountPath)
	if err != nil {
		return backend.Response{}, err
	}
	out := make([]leaseEntryDTO, 0, len(revoked))
	for _, l := range revoked {
		out = append(out, toLeaseDTO(l))
	}
	return backend.RawResponse(revokedLeasesResponse{Leases: out}), nil
}

// handleLeaseRenew extends a lease's expiry, the id given as the route
// remainder.
func (b *Backend) handleLeaseRenew(ctx context.Context, req backend.Request, leaseID string) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on leases/renew/*")
	}
	var params renewLeaseParams
	if len(req.Data) > 0 {
		if err := decodeBody(req.Data, &params); err != nil {
			return backend.Response{}, err
		}
	}
	var requested time.Duration
	if params.TTL != "" {
		d, err := time.ParseDuration(params.TTL)
		if err != nil {
			return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "parsing ttl", err)
		}
		requested = d
	}
	le, err := b.leases.Renew(ctx, req.NamespaceID, leaseID, requested)
	if err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(renewLeaseResponse{Lease: toLeaseDTO(le)}), nil
}

// handleLeaseLookup returns the persisted lease by id, the id given as the
// route remainder.
func (b *Backend) handleLeaseLookup(ctx context.Context, req backend.Request, leaseID string) (backend.Response, error) {
	if req.Operation != model.OpRead {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on leases/lookup/*")
	}
	le, ok, err := b.leases.Lookup(ctx, leaseID)
	if err != nil {
		return backend.Response{}, err
	}
	if !ok {
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "lease not found")
	}
	return backend.RawResponse(lookupLeaseResponse{Lease: toLeaseDTO(le)}), nil
}

// handleLeaseListByMount lists every lease issued under a mount path, the
// path given as the route remainder.
func (b *Backend) handleLeaseListByMount(ctx context.Context, req backend.Request, mountPath string) (backend.Response, error) {
	if req.Operation != model.OpRead {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on leases/lookup-mount/*")
	}
	list, err := b.leases.ListByMountPrefix(ctx, mountPath)
	if err != nil {
		return backend.Response{}, err
	}
	out := make([]leaseEntryDTO, 0, len(list))
	for _, l := range list {
		out = append(out, toLeaseDTO(l))
	}
	return backend.RawResponse(listLeasesResponse{Leases: out}), nil
}

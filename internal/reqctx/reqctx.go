// Package reqctx implements the small heterogeneous per-request map the
// middleware pipeline (spec §4.10, §9) uses to pass state between layers:
// resolved namespace, resolved mount, authenticated policies, authenticated
// entity name, and the expiration-manager lease registration hook. Grounded on the
// teacher's now-removed pkg/tenant context-key pattern (NewContext/
// FromContext keyed by an unexported type), generalized from a single
// tenant key to several independently-owned tags so each pipeline layer can
// set only the keys it owns.
package reqctx

import (
	"context"

	"github.com/covertsh/covert/internal/model"
)

type key int

const (
	keyNamespace key = iota
	keyMount
	keyPolicies
	keyEntityName
	keyPendingLease
)

// WithNamespace attaches the resolved namespace to ctx.
func WithNamespace(ctx context.Context, ns model.Namespace) context.Context {
	return context.WithValue(ctx, keyNamespace, ns)
}

// Namespace returns the namespace attached by WithNamespace, if any.
func Namespace(ctx context.Context) (model.Namespace, bool) {
	ns, ok := ctx.Value(keyNamespace).(model.Namespace)
	return ns, ok
}

// WithMount attaches the mount resolved by the router to ctx.
func WithMount(ctx context.Context, m model.Mount) context.Context {
	return context.WithValue(ctx, keyMount, m)
}

// Mount returns the mount attached by WithMount, if any.
func Mount(ctx context.Context) (model.Mount, bool) {
	m, ok := ctx.Value(keyMount).(model.Mount)
	return m, ok
}

// WithPolicies attaches the caller's authenticated policies to ctx.
func WithPolicies(ctx context.Context, policies []model.Policy) context.Context {
	return context.WithValue(ctx, keyPolicies, policies)
}

// Policies returns the policies attached by WithPolicies, if any.
func Policies(ctx context.Context) ([]model.Policy, bool) {
	p, ok := ctx.Value(keyPolicies).([]model.Policy)
	return p, ok
}

// WithEntityName attaches the authenticated entity's name to ctx.
func WithEntityName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyEntityName, name)
}

// EntityName returns the entity name attached by WithEntityName, if any.
func EntityName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(keyEntityName).(string)
	return name, ok
}

// PendingLease is the raw lease material a backend response carries,
// queued for registration by the pipeline's lease-registration layer after
// the backend handler returns successfully.
type PendingLease struct {
	IssuedMountPath string
	TTL             int64 // milliseconds
	RevokePath      string
	RevokeData      []byte
	RenewPath       string
	RenewData       []byte
}

// WithPendingLease attaches lease material produced by a backend response
// for the lease-registration layer to pick up.
func WithPendingLease(ctx context.Context, l PendingLease) context.Context {
	return context.WithValue(ctx, keyPendingLease, l)
}

// PendingLeaseFrom returns the lease material attached by WithPendingLease,
// if any.
func PendingLeaseFrom(ctx context.Context) (PendingLease, bool) {
	l, ok := ctx.Value(keyPendingLease).(PendingLease)
	return l, ok
}

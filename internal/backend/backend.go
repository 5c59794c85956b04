// Package backend defines the logical request/response ABI every
// secret-engine backend implements (spec §6.1), grounded on
// covert-types/src/{request,response,backend}.rs.
package backend

import (
	"context"
	"time"

	"github.com/covertsh/covert/internal/model"
)

// Request is the logical request a mount's backend receives, with the
// mount prefix already stripped from Path.
type Request struct {
	Operation   model.Operation
	Path        string
	Data        []byte
	QueryString string
	Params      map[string]string
	Token       string
	IsSudo      bool

	MountPath   string
	MountConfig model.MountConfig
	NamespaceID string
}

// Response is the tagged union a backend returns: exactly one of Raw,
// Auth, or Lease is non-nil.
type Response struct {
	Raw   any
	Auth  *AuthResponse
	Lease *LeaseResponse
}

// RawResponse wraps a value to be returned to the client verbatim.
func RawResponse(v any) Response { return Response{Raw: v} }

// AuthResponse creates a token bound to (alias, mount_path).
type AuthResponse struct {
	Alias string
	TTL   *time.Duration
}

// LeaseRenewRevokeEndpoint names the mount-relative path and opaque data a
// revoke or renew call is dispatched with.
type LeaseRenewRevokeEndpoint struct {
	Path string
	Data []byte
}

// LeaseResponse creates a tracked lease for dynamically issued material.
type LeaseResponse struct {
	Revoke LeaseRenewRevokeEndpoint
	Renew  LeaseRenewRevokeEndpoint
	Data   any
	TTL    *time.Duration
}

// Backend is the interface every secret-engine and auth backend implements.
// Revoke and Renew are invoked by the expiration manager, not routed
// through the normal request path, so they take the persisted lease's
// opaque data directly rather than a full Request.
type Backend interface {
	// Handle dispatches a Create/Read/Update/Delete request to the
	// backend's own routing table.
	Handle(ctx context.Context, req Request) (Response, error)

	// Revoke invokes the backend's revoke logic for a lease's opaque
	// revoke data.
	Revoke(ctx context.Context, path string, data []byte) error

	// Renew invokes the backend's renew logic, returning the raw TTL the
	// expiration manager will clamp.
	Renew(ctx context.Context, path string, data []byte) (time.Duration, error)

	// Type reports the backend's type for mount bookkeeping.
	Type() model.BackendType
}

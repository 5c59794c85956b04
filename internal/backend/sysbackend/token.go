package sysbackend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/covertsh/covert/internal/coverterr"
)

// Revoke implements the two revoke targets the expiration manager ever
// dispatches against this backend directly: a bearer token's opaque revoke
// data (path "token/revoke", the default revokeTarget for login-issued
// leases) and any other sys/-issued lease, none of which presently exist.
func (b *Backend) Revoke(ctx context.Context, path string, data []byte) error {
	switch path {
	case "token/revoke":
		var payload revokeTokenData
		if err := json.Unmarshal(data, &payload); err != nil {
			return coverterr.Wrap(coverterr.KindInternal, "decoding token revoke data", err)
		}
		repos := b.getRepos()
		if _, err := repos.tokens.Remove(ctx, payload.Token); err != nil {
			return err
		}
		return nil
	default:
		return coverterr.New(coverterr.KindNotFound, "unknown sys revoke target: "+path)
	}
}

// Renew extends a bearer token's expiry on a sliding window anchored to its
// original lifetime: covert-server's system/mod.rs references a
// handle_token_renewal handler it never defines, so the renewal window here
// is derived from the token's own issued/expiry span rather than the
// issuing mount's lease config (the mount config is applied afterward, by
// lease.Manager.Renew's own ttlclamp call against the issuing auth mount).
func (b *Backend) Renew(ctx context.Context, path string, data []byte) (time.Duration, error) {
	switch path {
	case "token/renew":
		var payload revokeTokenData
		if err := json.Unmarshal(data, &payload); err != nil {
			return 0, coverterr.Wrap(coverterr.KindInternal, "decoding token renew data", err)
		}
		repos := b.getRepos()
		tok, ok, err := repos.tokens.Get(ctx, payload.Token)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, coverterr.New(coverterr.KindNotFound, "token not found")
		}
		if tok.IsRoot() {
			return 0, coverterr.New(coverterr.KindBadRequest, "the root token does not expire and cannot be renewed")
		}

		originalTTL := tok.ExpiresAt.Sub(tok.IssuedAt)
		now := time.Now().UTC()
		newExpiry := now.Add(originalTTL)
		if _, err := repos.tokens.UpdateExpiry(ctx, payload.Token, newExpiry); err != nil {
			return 0, err
		}
		return originalTTL, nil
	default:
		return 0, coverterr.New(coverterr.KindNotFound, "unknown sys renew target: "+path)
	}
}

// Package ttlclamp implements the lease TTL clamping rule shared by every
// backend that issues leased material and by the pipeline's lease
// registration layer (spec §4.5, §4.7), grounded on
// covert-types/src/ttl.rs's calculate_ttl.
package ttlclamp

import "time"

// Calculate clamps a requested TTL to the mount's configured bounds: it
// defaults to defaultTTL when requested is zero, and never lets the lease
// outlive issuedAt+maxTTL.
func Calculate(now, issuedAt time.Time, defaultTTL, maxTTL, requested time.Duration) time.Duration {
	ttl := requested
	if ttl <= 0 {
		ttl = defaultTTL
	}

	maxExpiresAt := issuedAt.Add(maxTTL)
	newExpiresAt := now.Add(ttl)

	var clamped time.Duration
	switch {
	case newExpiresAt.After(maxExpiresAt):
		if maxExpiresAt.After(now) {
			clamped = maxExpiresAt.Sub(now)
		} else {
			clamped = 0
		}
	case newExpiresAt.After(now):
		clamped = newExpiresAt.Sub(now)
	default:
		clamped = 0
	}
	return clamped
}

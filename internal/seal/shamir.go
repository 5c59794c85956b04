// Package seal implements the Shamir secret-sharing split/combine of the
// master key (spec §4.11) and the process-local unseal-progress accumulator
// (spec §5, §9 "Global state").
package seal

import (
	"encoding/hex"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	"github.com/covertsh/covert/internal/coverterr"
)

// Split divides key into shares hex-encoded parts, threshold of which
// reconstruct it.
func Split(key string, shares, threshold int) ([]string, error) {
	if threshold == 0 || shares < threshold {
		return nil, coverterr.New(coverterr.KindBadRequest, "threshold must be nonzero and no greater than shares")
	}

	parts, err := shamir.Split([]byte(key), shares, threshold)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "splitting master key", err)
	}

	hexParts := make([]string, len(parts))
	for i, part := range parts {
		hexParts[i] = hex.EncodeToString(part)
	}
	return hexParts, nil
}

// Combine reconstructs the master key from a set of hex-encoded shares.
func Combine(hexShares []string) (string, error) {
	parts := make([][]byte, 0, len(hexShares))
	for _, hs := range hexShares {
		b, err := hex.DecodeString(hs)
		if err != nil {
			return "", coverterr.Wrap(coverterr.KindBadRequest, "decoding key share", err)
		}
		parts = append(parts, b)
	}

	key, err := shamir.Combine(parts)
	if err != nil {
		return "", coverterr.Wrap(coverterr.KindInternal, fmt.Sprintf("reconstructing master key from %d shares", len(parts)), err)
	}
	return string(key), nil
}

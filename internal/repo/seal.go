package repo

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"

	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/seal"
)

// SealRepo provides database operations for the seal configuration and the
// key shares accumulated mid-unseal, grounded on
// covert-server/src/repos/seal.rs. Key shares are encrypted at rest with a
// process-lifetime AES-256-GCM key (internal/seal.ShareCipher) so a stolen
// copy of the unencrypted seal database alone does not leak shares.
type SealRepo struct {
	db     *sql.DB
	cipher *seal.ShareCipher
}

// NewSealRepo returns a SealRepo backed by db, generating a fresh
// share-encryption key.
func NewSealRepo(db *sql.DB) (*SealRepo, error) {
	cipher, err := seal.NewShareCipher()
	if err != nil {
		return nil, err
	}
	return &SealRepo{db: db, cipher: cipher}, nil
}

// SetConfig stores the singleton Shamir configuration.
func (r *SealRepo) SetConfig(ctx context.Context, cfg model.SealConfig) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO seal_config (id, shares, threshold) VALUES (1, ?, ?)`, cfg.Shares, cfg.Threshold)
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "storing seal config", err)
	}
	return nil
}

// GetConfig returns the seal configuration, if set.
func (r *SealRepo) GetConfig(ctx context.Context) (model.SealConfig, bool, error) {
	var cfg model.SealConfig
	err := r.db.QueryRowContext(ctx, `SELECT shares, threshold FROM seal_config WHERE id = 1`).Scan(&cfg.Shares, &cfg.Threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SealConfig{}, false, nil
	}
	if err != nil {
		return model.SealConfig{}, false, coverterr.Wrap(coverterr.KindInternal, "reading seal config", err)
	}
	return cfg, true, nil
}

// InsertKeyShare encrypts and stores a key share offered during unseal.
// Duplicate shares may be inserted; GetKeyShares deduplicates on read.
func (r *SealRepo) InsertKeyShare(ctx context.Context, share string) error {
	nonce, ciphertext, err := r.cipher.Encrypt([]byte(share))
	if err != nil {
		return err
	}
	id, err := randomID()
	if err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "generating key share id", err)
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO key_shares (id, nonce, ciphertext) VALUES (?, ?, ?)`, id, nonce, ciphertext); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "inserting key share", err)
	}
	return nil
}

// GetKeyShares returns the distinct decrypted key shares accumulated so
// far. If any stored share fails to decrypt, every share is cleared and an
// error returned: a corrupted seal database cannot be trusted to hold a
// consistent threshold set.
func (r *SealRepo) GetKeyShares(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT nonce, ciphertext FROM key_shares`)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "reading key shares", err)
	}

	type encShare struct{ nonce, ciphertext []byte }
	var enc []encShare
	for rows.Next() {
		var e encShare
		if err := rows.Scan(&e.nonce, &e.ciphertext); err != nil {
			rows.Close()
			return nil, coverterr.Wrap(coverterr.KindInternal, "scanning key share row", err)
		}
		enc = append(enc, e)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "iterating key share rows", rowsErr)
	}

	var out []string
	seen := map[string]bool{}
	for _, e := range enc {
		plaintext, err := r.cipher.Decrypt(e.nonce, e.ciphertext)
		if err != nil {
			_ = r.ClearKeyShares(ctx)
			return nil, coverterr.New(coverterr.KindInternal, "unable to decrypt key share from seal storage")
		}
		share := string(plaintext)
		if !seen[share] {
			seen[share] = true
			out = append(out, share)
		}
	}
	return out, nil
}

// ClearKeyShares deletes every accumulated key share.
func (r *SealRepo) ClearKeyShares(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM key_shares`); err != nil {
		return coverterr.Wrap(coverterr.KindInternal, "clearing key shares", err)
	}
	return nil
}

func randomID() (string, error) {
	const n = 16
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

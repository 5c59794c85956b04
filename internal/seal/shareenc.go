package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/covertsh/covert/internal/coverterr"
)

// ShareCipher encrypts and decrypts key shares at rest in the unencrypted
// seal database, using a key generated once per process lifetime (spec
// §4.3). Because the key never survives a restart, every stored share is
// unreadable (and therefore discarded) across a process boundary; the
// protocol already clears shares on every seal/unseal boundary, so this
// only protects shares accumulating mid-unseal within a single run.
type ShareCipher struct {
	gcm cipher.AEAD
}

// NewShareCipher generates a fresh random AES-256-GCM key.
func NewShareCipher() (*ShareCipher, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "generating share encryption key", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "creating share cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "creating share cipher", err)
	}
	return &ShareCipher{gcm: gcm}, nil
}

// Encrypt seals plaintext with a fresh random 12-byte nonce, returning
// (nonce, ciphertext).
func (c *ShareCipher) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, coverterr.Wrap(coverterr.KindInternal, "generating nonce", err)
	}
	ciphertext = c.gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext sealed with Encrypt.
func (c *ShareCipher) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, coverterr.Wrap(coverterr.KindInternal, "decrypting key share", err)
	}
	return plaintext, nil
}

package sqlite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	agate "github.com/cascadelabs/agate/internal"
)

// box seals and opens column values with AES-256-GCM. The stored form is
// base64(nonce || ciphertext+tag); it never begins with '{', which is how
// plaintext legacy rows are detected.
type box struct {
	aead cipher.AEAD
}

func newBox(key []byte) (*box, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &box{aead: aead}, nil
}

// seal encrypts plaintext into the self-describing stored form.
func (b *box) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// open decrypts a stored value. Failures surface as agate.ErrDecrypt so a
// single bad row does not poison the store.
func (b *box) open(stored string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", agate.ErrDecrypt, err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("%w: short ciphertext", agate.ErrDecrypt)
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agate.ErrDecrypt, err)
	}
	return plain, nil
}

// isPlaintextJSON reports whether a stored column value is un-encrypted
// legacy JSON, detected by its leading '{'.
func isPlaintextJSON(stored string) bool {
	return strings.HasPrefix(strings.TrimSpace(stored), "{")
}

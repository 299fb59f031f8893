// Package secrets abstracts the source of the per-install master key used to
// encrypt token and quota material at rest. The desktop shell supplies a key
// from the OS keyring; headless installs fall back to a key file.
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// KeySource yields the 32-byte master key for column encryption.
type KeySource interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// Static is a fixed in-memory key source, used in tests.
type Static []byte

// MasterKey returns the key material, stretched to KeySize via SHA-256 when
// it is not already exactly KeySize bytes.
func (s Static) MasterKey(context.Context) ([]byte, error) {
	return stretch([]byte(s)), nil
}

// EnvSource reads a base64 (raw or std) key from an environment variable.
type EnvSource string

// MasterKey decodes the key from the environment.
func (e EnvSource) MasterKey(context.Context) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(string(e)))
	if raw == "" {
		return nil, fmt.Errorf("secrets: %s is not set", string(e))
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if b, err = base64.RawStdEncoding.DecodeString(raw); err != nil {
			return nil, fmt.Errorf("secrets: decode %s: %w", string(e), err)
		}
	}
	return stretch(b), nil
}

// FileSource persists a random key in a 0600 file, generating it on first use.
// This stands in for the OS keyring on headless installs.
type FileSource struct {
	Path string
}

// MasterKey loads the key file, creating it with fresh random material when absent.
func (f FileSource) MasterKey(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err == nil {
		b, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil {
			return nil, fmt.Errorf("secrets: corrupt key file %s: %w", f.Path, derr)
		}
		return stretch(b), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read key file: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return nil, fmt.Errorf("secrets: create key dir: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(f.Path, []byte(enc+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("secrets: write key file: %w", err)
	}
	return key, nil
}

// stretch derives a KeySize key from arbitrary material.
func stretch(b []byte) []byte {
	if len(b) == KeySize {
		return b
	}
	h := sha256.Sum256(b)
	return h[:]
}

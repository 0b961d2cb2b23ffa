// Package vault envelope-encrypts upstream credentials with a
// process-wide master key. Stored form is (ciphertext, iv) with the GCM
// tag appended to the ciphertext. The master key is never logged.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32
	ivSize  = 12
)

// Vault performs AES-256-GCM encryption and decryption of resource
// secrets.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AES-256 key from the configured master secret via
// HKDF-SHA256 and prepares the AEAD. The master secret must be non-empty;
// there is no development fallback for key material.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault master secret must be set")
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("keyrelay/resource-secrets/v1"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals a plaintext secret under a fresh random 12-byte IV.
// Returns (ciphertext with tag appended, iv).
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	iv = make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	ciphertext = v.aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt opens a stored secret. Decryption is deterministic given the
// master key, iv and ciphertext; any tamper or key mismatch fails.
func (v *Vault) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != ivSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(iv))
	}
	plaintext, err := v.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return plaintext, nil
}

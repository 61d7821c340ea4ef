// Package secrets encrypts workspace credentials at rest with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// NonceSize is the GCM nonce length.
const NonceSize = 12

// ErrNoMasterKey is returned when the cipher is used without a configured
// key.
var ErrNoMasterKey = errors.New("secrets master key not configured")

// Cipher seals and opens secret values under the master key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds the AEAD from a 64-hex-char master key. An empty key
// yields a disabled cipher that errors on use.
func NewCipher(masterKeyHex string) (*Cipher, error) {
	if masterKeyHex == "" {
		return &Cipher{}, nil
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init AES: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Enabled reports whether a master key is configured.
func (c *Cipher) Enabled() bool {
	return c.aead != nil
}

// Encrypt seals plaintext, returning ciphertext and the fresh nonce.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	if c.aead == nil {
		return nil, nil, ErrNoMasterKey
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens a sealed value.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrNoMasterKey
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return plaintext, nil
}

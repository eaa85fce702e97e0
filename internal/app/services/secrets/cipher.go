// Package secrets provides authenticated encryption for credential secrets at
// rest. Payloads are small (passwords or serialized session blobs), so the
// whole value is sealed in one AES-GCM operation.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var hkdfSalt = []byte("credpool-secret-cipher")

// DecryptionError indicates tampered ciphertext or a key mismatch.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

// Cipher seals and opens credential secrets.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// AESCipher is an AES-GCM Cipher. Ciphertexts are base64 with the nonce
// prefixed.
type AESCipher struct {
	aead cipher.AEAD
}

var _ Cipher = (*AESCipher)(nil)

// NewAESCipher creates a cipher from a 16, 24 or 32 byte key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

// NewDerivedCipher derives a 32-byte key from a master secret with
// HKDF-SHA256 and returns a cipher over it. Rotating the master secret
// invalidates every stored ciphertext; that is the accepted operational
// tradeoff.
func NewDerivedCipher(masterSecret []byte, context string) (*AESCipher, error) {
	key, err := DeriveKey(masterSecret, context)
	if err != nil {
		return nil, err
	}
	return NewAESCipher(key)
}

// DeriveKey deterministically derives a 32-byte key from a master secret and
// a context label.
func DeriveKey(masterSecret []byte, context string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is required")
	}
	reader := hkdf.New(sha256.New, masterSecret, hkdfSalt, []byte(context))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext and returns a base64 ciphertext.
func (c *AESCipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 ciphertext produced by Encrypt. Any malformed or
// tampered input yields a DecryptionError.
func (c *AESCipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, &DecryptionError{Reason: "ciphertext is not valid base64"}
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, &DecryptionError{Reason: "ciphertext too short"}
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed"}
	}
	return plaintext, nil
}

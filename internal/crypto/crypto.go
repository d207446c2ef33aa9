// Package crypto seals export artifacts at rest with tenant-scoped
// AES-256-GCM keys.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned when sealed data is smaller than a nonce.
var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// KeyProvider resolves a tenant's 32-byte AES-256 key.
type KeyProvider interface {
	GetKey(ctx context.Context, tenantID string) ([]byte, error)
}

// Service provides tenant-aware AES-256-GCM sealing.
type Service struct {
	keys KeyProvider
}

// NewService creates an encryption service backed by the given key provider.
func NewService(keys KeyProvider) *Service {
	return &Service{keys: keys}
}

// Seal encrypts plaintext for the tenant and returns nonce||ciphertext.
// aad is bound to the ciphertext; the tenant ID always is.
func (s *Service) Seal(ctx context.Context, tenantID string, plaintext, aad []byte) ([]byte, error) {
	gcm, err := s.aead(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, additionalData(tenantID, aad)), nil
}

// Open reverses Seal.
func (s *Service) Open(ctx context.Context, tenantID string, sealed, aad []byte) ([]byte, error) {
	gcm, err := s.aead(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], additionalData(tenantID, aad))
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt failed: %w", err)
	}

	return plaintext, nil
}

func (s *Service) aead(ctx context.Context, tenantID string) (cipher.AEAD, error) {
	key, err := s.keys.GetKey(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("crypto: get key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	return gcm, nil
}

func additionalData(tenantID string, aad []byte) []byte {
	out := make([]byte, 0, len(tenantID)+1+len(aad))
	out = append(out, tenantID...)
	out = append(out, 0)

	return append(out, aad...)
}

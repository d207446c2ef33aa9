package crypto

import (
	"context"
	"crypto/hkdf"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// keyInfoPrefix namespaces derived keys so the master key is never used directly.
const keyInfoPrefix = "custodian/artifact-key/v1:"

// StaticProvider derives a distinct key per tenant from one hex-encoded
// master key using HKDF-SHA256.
type StaticProvider struct {
	master []byte
}

// NewStaticProvider creates a StaticProvider from a hex-encoded 32-byte key.
func NewStaticProvider(hexKey string) (*StaticProvider, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/static: invalid hex key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("crypto/static: key must be 32 bytes, got %d", len(key))
	}

	return &StaticProvider{master: key}, nil
}

// GetKey returns the tenant's derived key.
func (p *StaticProvider) GetKey(_ context.Context, tenantID string) ([]byte, error) {
	return deriveTenantKey(p.master, tenantID)
}

func deriveTenantKey(master []byte, tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("crypto: tenant ID is required")
	}

	key, err := hkdf.Key(sha256.New, master, nil, keyInfoPrefix+tenantID, 32)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}

	return key, nil
}

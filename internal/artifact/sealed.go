package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/persistorai/custodian/internal/crypto"
	"github.com/persistorai/custodian/internal/models"
)

// maxSealedSize bounds artifacts buffered for encryption.
const maxSealedSize = 512 << 20

// Sealed encrypts objects with the tenant's key before handing them to the
// wrapped backend. The object key is bound as additional data, so a
// ciphertext copied to another key fails to open.
type Sealed struct {
	inner Storage
	svc   *crypto.Service
}

// NewSealed wraps inner with tenant-scoped encryption.
func NewSealed(inner Storage, svc *crypto.Service) *Sealed {
	return &Sealed{inner: inner, svc: svc}
}

var _ Storage = (*Sealed)(nil)

// Put encrypts and stores obj.
func (s *Sealed) Put(ctx context.Context, obj Object) (*models.StoredArtifact, error) {
	plaintext, err := io.ReadAll(io.LimitReader(obj.Body, maxSealedSize+1))
	if err != nil {
		return nil, fmt.Errorf("artifact: read body: %w", err)
	}

	if len(plaintext) > maxSealedSize {
		return nil, fmt.Errorf("artifact: %s exceeds %d bytes", obj.Key, maxSealedSize)
	}

	sealed, err := s.svc.Seal(ctx, obj.TenantID, plaintext, []byte(obj.Key))
	if err != nil {
		return nil, fmt.Errorf("artifact: seal %s: %w", obj.Key, err)
	}

	return s.inner.Put(ctx, Object{
		TenantID:    obj.TenantID,
		Key:         obj.Key,
		ContentType: "application/octet-stream",
		Body:        bytes.NewReader(sealed),
		Size:        int64(len(sealed)),
	})
}

// Get fetches and decrypts the object.
func (s *Sealed) Get(ctx context.Context, tenantID, key string) (io.ReadCloser, error) {
	rc, err := s.inner.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sealed, err := io.ReadAll(io.LimitReader(rc, maxSealedSize+1024))
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", key, err)
	}

	plaintext, err := s.svc.Open(ctx, tenantID, sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", key, err)
	}

	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// Delete removes the object.
func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Exists reports whether the object is stored.
func (s *Sealed) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

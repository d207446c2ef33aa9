// Package artifact stores export artifacts behind a pluggable backend.
//
// Backends register themselves from an init function in their own package
// and are selected by STORAGE_BACKEND:
//
//	func init() {
//	    artifact.Register("mybackend", func(cfg *config.Config) (artifact.Storage, error) {
//	        return New(cfg)
//	    })
//	}
//
// cmd/custodian blank-imports each backend to trigger registration.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/persistorai/custodian/internal/config"
	"github.com/persistorai/custodian/internal/models"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("artifact not found")

// Object is one artifact to write.
type Object struct {
	TenantID    string
	Key         string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Storage is implemented by every artifact backend.
type Storage interface {
	// Put writes the object and returns its key, stored size and the
	// SHA-256 of the stored bytes.
	Put(ctx context.Context, obj Object) (*models.StoredArtifact, error)

	// Get opens the object for reading.
	Get(ctx context.Context, tenantID, key string) (io.ReadCloser, error)

	// Delete removes the object; deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// FactoryFunc builds a backend from configuration.
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register registers a backend factory under name.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates the backend named by cfg.StorageBackend.
func New(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.StorageBackend]
	if !ok {
		names := make([]string, 0, len(factories))
		for n := range factories {
			names = append(names, n)
		}
		sort.Strings(names)

		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %s)",
			cfg.StorageBackend, strings.Join(names, ", "))
	}

	return factory(cfg)
}

// ObjectKey returns the storage key of an export job's bundle.
func ObjectKey(tenantID, jobID string) string {
	return tenantID + "/" + jobID + ".zip"
}

// ValidKey rejects keys that could escape a backend's namespace.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid artifact key %q", key)
	}

	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid artifact key %q", key)
		}
	}

	return nil
}

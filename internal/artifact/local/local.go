// Package local stores artifacts on the local filesystem. It suits
// development and single-node deployments; several instances need a
// shared mount.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/persistorai/custodian/internal/artifact"
	"github.com/persistorai/custodian/internal/config"
	"github.com/persistorai/custodian/internal/models"
)

func init() {
	artifact.Register("local", func(cfg *config.Config) (artifact.Storage, error) {
		return New(cfg.StorageLocalPath)
	})
}

// Storage implements artifact.Storage on a directory tree.
type Storage struct {
	basePath string
}

// New creates the base directory if needed and returns a Storage rooted there.
func New(basePath string) (*Storage, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &Storage{basePath: basePath}, nil
}

var _ artifact.Storage = (*Storage)(nil)

func (s *Storage) fullPath(key string) (string, error) {
	if err := artifact.ValidKey(key); err != nil {
		return "", err
	}

	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// Put writes the object through a temp file and renames it into place, so
// readers never observe a partial artifact.
func (s *Storage) Put(_ context.Context, obj artifact.Object) (*models.StoredArtifact, error) {
	fullPath, err := s.fullPath(obj.Key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename.

	hasher := sha256.New()

	written, err := io.Copy(io.MultiWriter(tmp, hasher), obj.Body)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpName, fullPath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &models.StoredArtifact{
		Key:    obj.Key,
		Size:   written,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Get opens the object for reading.
func (s *Storage) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete removes the object and any parent directories it leaves empty.
func (s *Storage) Delete(_ context.Context, key string) error {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	for dir := filepath.Dir(fullPath); dir != s.basePath; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}

	return nil
}

// Exists reports whether the object is stored.
func (s *Storage) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

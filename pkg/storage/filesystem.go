package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// FileSystemArtifactStore keeps extension packages on the local filesystem
type FileSystemArtifactStore struct {
	rootDir string
}

// NewFileSystemArtifactStore creates a filesystem-backed artifact store
func NewFileSystemArtifactStore(rootDir string) (*FileSystemArtifactStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileSystemArtifactStore{rootDir: rootDir}, nil
}

// Put implements marketplace.ArtifactStore. The package is written to a temporary
// file first and renamed into place once fully received.
func (s *FileSystemArtifactStore) Put(ctx context.Context, extensionID int64, content io.Reader, contentType string) (marketplace.Artifact, error) {
	key := ArtifactKey(extensionID)
	path := filepath.Join(s.rootDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return marketplace.Artifact{}, fmt.Errorf("failed to create package directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return marketplace.Artifact{}, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return marketplace.Artifact{}, fmt.Errorf("failed to write package: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return marketplace.Artifact{}, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return marketplace.Artifact{}, fmt.Errorf("failed to store package: %w", err)
	}

	return marketplace.Artifact{
		Key:         key,
		ContentType: contentType,
		SizeBytes:   size,
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Open implements marketplace.ArtifactStore
func (s *FileSystemArtifactStore) Open(_ context.Context, artifact marketplace.Artifact) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.rootDir, filepath.Clean(artifact.Key)))
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	return f, nil
}

// Delete implements marketplace.ArtifactStore. Deleting a missing package is not an error.
func (s *FileSystemArtifactStore) Delete(_ context.Context, artifact marketplace.Artifact) error {
	err := os.Remove(filepath.Join(s.rootDir, filepath.Clean(artifact.Key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete package: %w", err)
	}
	return nil
}

// ArtifactKey is the storage key of an extension's package, shared by all backends
func ArtifactKey(extensionID int64) string {
	return "extensions/" + strconv.FormatInt(extensionID, 10) + "/package"
}

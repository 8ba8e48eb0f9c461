package gatestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BlobBackend persists and retrieves bundle archive bytes by key
// ("bundles/<id>.tgz"). Grounded on pluggable artifact store
// shape (pkg/artifacts/{s3_store,gcs_store}.go). Keys are addressed by
// bundle ID, not by content hash.
type BlobBackend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// LocalBlobBackend stores blobs under a root directory on the local
// filesystem — the default backend (`<dataDir>/bundles/<id>.tgz`).
type LocalBlobBackend struct {
	Root string
}

func NewLocalBlobBackend(root string) *LocalBlobBackend {
	return &LocalBlobBackend{Root: root}
}

func (b *LocalBlobBackend) Put(_ context.Context, key string, data []byte) error {
	full := filepath.Join(b.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("localblob: mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("localblob: write: %w", err)
	}
	return nil
}

func (b *LocalBlobBackend) Get(_ context.Context, key string) ([]byte, error) {
	full := filepath.Join(b.Root, filepath.FromSlash(key))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("localblob: read: %w", err)
	}
	return data, nil
}

//go:build gcp

package gatestore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBlobBackend stores bundle archives in a GCS bucket, using Application
// Default Credentials. Built only with the `gcp` tag, mirroring the
// teacher's pkg/artifacts/gcs_store.go gating — GCS support pulls in a
// large dependency tree that most deployments of this core don't need.
type GCSBlobBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSBlobConfig struct {
	Bucket string
	Prefix string
}

func NewGCSBlobBackend(ctx context.Context, cfg GCSBlobConfig) (*GCSBlobBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcsblob: new client: %w", err)
	}
	return &GCSBlobBackend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *GCSBlobBackend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *GCSBlobBackend) Put(ctx context.Context, key string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(b.fullKey(key)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcsblob: write: %w", err)
	}
	return w.Close()
}

func (b *GCSBlobBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(b.fullKey(key)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcsblob: open reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

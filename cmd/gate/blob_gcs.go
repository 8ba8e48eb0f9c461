//go:build gcp

package main

import (
	"context"

	"github.com/deterministic-agent-lab/gate/pkg/gatestore"
)

func buildGCSBlobBackend(cfg config) (gatestore.BlobBackend, error) {
	return gatestore.NewGCSBlobBackend(context.Background(), gatestore.GCSBlobConfig{Bucket: cfg.GCSBucket})
}

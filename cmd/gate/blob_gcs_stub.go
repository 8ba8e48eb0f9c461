//go:build !gcp

package main

import (
	"fmt"

	"github.com/deterministic-agent-lab/gate/pkg/gatestore"
)

func buildGCSBlobBackend(cfg config) (gatestore.BlobBackend, error) {
	return nil, fmt.Errorf("gate: built without the gcp tag; rebuild with -tags gcp to use GATE_BLOB_BACKEND=gcs")
}

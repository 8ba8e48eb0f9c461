// Package driver implements the Driver Framework's concrete drivers:
// File-Write, HTTP-POST, and LLM-Call. Each driver
// satisfies journal.Driver for the in-append commit-failure rollback path,
// and Reverter for the Gate Orchestrator's later, receipt-driven Revert
// operation — a receipt is, per the glossary, "opaque evidence
// of a committed intent sufficient to drive its rollback", so receipts
// here carry whatever state their own revert needs rather than relying on
// the short-lived in-memory Prepared handle.
package driver

import (
	"context"
	"encoding/json"

	"github.com/deterministic-agent-lab/gate/pkg/journal"
)

// Reverter is implemented by drivers that can compensate a previously
// committed intent using only its persisted receipt, independent of the
// Prepared handle from the original commit (which does not outlive the
// process that created it).
type Reverter interface {
	RevertReceipt(ctx context.Context, payload map[string]interface{}, receipt json.RawMessage) error
}

// Registry resolves a driver by intent type.
type Registry struct {
	drivers map[string]journal.Driver
}

// NewRegistry builds an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: map[string]journal.Driver{}}
}

// Register binds intentType to d, overwriting any existing binding.
func (r *Registry) Register(intentType string, d journal.Driver) {
	r.drivers[intentType] = d
}

// Resolve returns the driver bound to intentType, or ok=false.
func (r *Registry) Resolve(intentType string) (journal.Driver, bool) {
	d, ok := r.drivers[intentType]
	return d, ok
}

// Package orchestrator implements the Gate Orchestrator: the
// plan/approve/commit/revert state machine over the Gate Store, Intent
// Journal, Driver registry, and Policy Engine.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deterministic-agent-lab/gate/pkg/bundle"
	"github.com/deterministic-agent-lab/gate/pkg/driver"
	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
	"github.com/deterministic-agent-lab/gate/pkg/gatestore"
	"github.com/deterministic-agent-lab/gate/pkg/httprules"
	"github.com/deterministic-agent-lab/gate/pkg/intent"
	"github.com/deterministic-agent-lab/gate/pkg/journal"
	"github.com/deterministic-agent-lab/gate/pkg/policy"
	"github.com/deterministic-agent-lab/gate/pkg/signing"
)

// PolicyLoader returns the currently active policy configuration.
type PolicyLoader func() (policy.Config, error)

// Orchestrator ties the Gate Store, Intent Journal, Driver registry, and
// Policy Engine together into the bundle lifecycle state machine.
type Orchestrator struct {
	Store *gatestore.Store
	Journal *journal.Journal
	Drivers *driver.Registry
	Policy PolicyLoader
	Lock Locker
	Logger *slog.Logger
	Clock func() time.Time

	// Signer optionally signs Approval Records. Nil by
	// default — approvals are unsigned unless GATE_BUNDLE_SIGNING_KEY_ID
	// configures one.
	Signer *signing.Signer

	tel *telemetry
}

// New builds an Orchestrator. Lock and Logger default to LocalLocker and
// slog.Default respectively when nil.
func New(store *gatestore.Store, j *journal.Journal, drivers *driver.Registry, policyLoader PolicyLoader, lock Locker, logger *slog.Logger) *Orchestrator {
	if lock == nil {
		lock = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Store: store,
		Journal: j,
		Drivers: drivers,
		Policy: policyLoader,
		Lock: lock,
		Logger: logger,
		Clock: time.Now,
		tel: newTelemetry(),
	}
}

// PlanResult is Plan's return value.
type PlanResult struct {
	BundleID string
	Policy policy.Evaluation
	Intents []intent.Record
	Network []policy.NetworkEntry
	Rollback []RollbackPreview
}

// RollbackPreview reports, for one intent, whether the HTTP Rollback Rule
// Registry already has a rule matching its commit-time request. Only the
// HTTP-POST Driver is previewable this way: every other driver's
// reversibility depends on what Commit actually returns, which Plan never
// invokes.
type RollbackPreview struct {
	IntentID string `json:"intentId"`
	Available bool `json:"available"`
	Rule string `json:"rule,omitempty"`
	Method string `json:"method,omitempty"`
	PathTemplate string `json:"pathTemplate,omitempty"`
	RequiresID bool `json:"requiresId,omitempty"`
}

// CommitResult is Commit's return value: receipts for every intent
// processed before either completion or the first failure (
// "Abort on first failure and return the partial receipt set with the
// error").
type CommitResult struct {
	Receipts []gatestore.Receipt
}

// RevertOutcome reports one intent's compensation attempt during Revert.
type RevertOutcome struct {
	IntentID string
	Reverted bool
	Error string
}

// Ingest accepts raw bundle bytes, validates them, assigns a new opaque ID,
// and persists the blob via the Store.
func (o *Orchestrator) Ingest(ctx context.Context, raw []byte) (string, error) {
	id := uuid.NewString()

	tmp, err := os.MkdirTemp("", "gate-ingest-*")
	if err != nil {
		return "", gateerr.Wrap(gateerr.CodeHTTPError, "create ingest temp dir", err)
	}
	defer os.RemoveAll(tmp)

	if err := bundle.Unpack(bytes.NewReader(raw), tmp); err != nil {
		return "", err
	}
	b, err := bundle.Open(tmp)
	if err != nil {
		return "", err
	}

	intents, err := loadIntents(b.Dir, b.Manifest.Files.Intents)
	if err != nil {
		return "", err
	}
	attachAndLabel(intents)
	if err := checkDuplicateIntentIDs(intents); err != nil {
		return "", err
	}

	if _, err := o.Store.PersistBundle(ctx, id, raw, b.Manifest.Metadata); err != nil {
		return "", gateerr.Wrap(gateerr.CodeHTTPError, "persist bundle", err)
	}

	o.Logger.Info("bundle ingested", "bundle_id", id, "intents", len(intents))
	return id, nil
}

// Plan opens the bundle to a temporary working directory and evaluates
// policy at stage "plan", without any state change.
func (o *Orchestrator) Plan(ctx context.Context, bundleID string) (*PlanResult, error) {
	ctx, span := o.tel.startSpan(ctx, "plan", bundleID)
	defer span.End()

	b, _, err := o.openBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(b.Dir)

	intents, network, err := o.loadPlanInputs(b)
	if err != nil {
		return nil, err
	}

	cfg, err := o.Policy()
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodePolicyDenied, "load policy", err)
	}

	eval := policy.Evaluate(cfg, policy.Context{Stage: policy.StagePlan, Now: o.Clock()}, intents, network)

	rollback := make([]RollbackPreview, 0, len(intents))
	for _, rec := range intents {
		rollback = append(rollback, o.previewRollback(rec))
	}

	return &PlanResult{BundleID: bundleID, Policy: eval, Intents: intents, Network: network, Rollback: rollback}, nil
}

// previewRollback reports whether rec's commit-time request would match a
// rule in the HTTP-POST Driver's rollback registry. It mirrors
// HTTPPostDriver.Prepare's request-building just enough to call FindRule;
// it never issues a request or mutates state.
func (o *Orchestrator) previewRollback(rec intent.Record) RollbackPreview {
	preview := RollbackPreview{IntentID: rec.ID}

	d, ok := o.Drivers.Resolve(rec.Type)
	if !ok {
		return preview
	}
	hp, ok := d.(driver.HTTPPostDriver)
	if !ok || hp.Registry == nil {
		return preview
	}

	rawURL, _ := rec.Payload["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return preview
	}

	headers := map[string]string{}
	if hm, ok := rec.Payload["headers"].(map[string]interface{}); ok {
		for k, v := range hm {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	var jsonBody interface{}
	switch b := rec.Payload["body"].(type) {
	case string:
		_ = json.Unmarshal([]byte(b), &jsonBody)
	default:
		jsonBody = b
	}

	rule, ok := hp.Registry.FindRule(httprules.RequestInfo{
		Host: parsed.Host,
		Method: http.MethodPost,
		Path: parsed.Path,
		Headers: headers,
		JSON: jsonBody,
	})
	if !ok {
		return preview
	}

	preview.Available = true
	preview.Rule = rule.Name
	preview.Method = rule.Rollback.Method
	preview.PathTemplate = rule.Rollback.PathTemplate
	preview.RequiresID = strings.Contains(rule.Rollback.PathTemplate, "{id}")
	return preview
}

// Approve upserts an Approval for bundleID, transitioning pending->approved
// idempotently.
func (o *Orchestrator) Approve(ctx context.Context, bundleID, actor string) (gatestore.Approval, error) {
	ctx, span := o.tel.startSpan(ctx, "approve", bundleID)
	defer span.End()

	if _, _, err := o.Store.GetBundle(ctx, bundleID); err != nil {
		return gatestore.Approval{}, gateerr.Wrap(gateerr.CodeNotFound, "bundle not found", err)
	}

	cfg, err := o.Policy()
	if err != nil {
		return gatestore.Approval{}, gateerr.Wrap(gateerr.CodePolicyDenied, "load policy", err)
	}

	a := gatestore.Approval{
		BundleID: bundleID,
		Actor: actor,
		PolicyVersion: cfg.Version,
		ApprovedAt: o.Clock(),
	}
	if o.Signer != nil {
		payload := signing.CanonicalizeApproval(a.BundleID, a.Actor, a.PolicyVersion, a.ApprovedAt)
		a.Signature = o.Signer.Sign(payload)
		a.SignerKeyID = o.Signer.KeyID
	}
	if err := o.Store.RecordApproval(ctx, a); err != nil {
		return gatestore.Approval{}, err
	}
	o.Logger.Info("bundle approved", "bundle_id", bundleID, "actor", actor)
	return a, nil
}

// Commit re-evaluates policy at stage "commit" and, if allowed, iterates
// intents through their drivers via the Journal in bundle order.
func (o *Orchestrator) Commit(ctx context.Context, bundleID string) (*CommitResult, error) {
	ctx, span := o.tel.startSpan(ctx, "commit", bundleID)
	defer span.End()

	unlock, err := o.Lock.Lock(ctx, bundleID)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeCancelled, "acquire bundle lock", err)
	}
	defer unlock()

	existing, err := o.Store.ListReceipts(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &CommitResult{Receipts: existing}, nil
	}

	b, _, err := o.openBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(b.Dir)

	intents, network, err := o.loadPlanInputs(b)
	if err != nil {
		return nil, err
	}

	cfg, err := o.Policy()
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodePolicyDenied, "load policy", err)
	}

	eval := policy.Evaluate(cfg, policy.Context{Stage: policy.StageCommit, Now: o.Clock()}, intents, network)
	if !eval.Bundle.Allowed {
		o.tel.policyDenials.Add(ctx, 1)
		return nil, gateerr.New(gateerr.CodePolicyDenied, "policy denied commit").WithReasons(eval.Bundle.Reasons)
	}
	if eval.Bundle.RequiresApproval {
		approval, err := o.Store.GetApproval(ctx, bundleID)
		if err != nil {
			return nil, err
		}
		if approval == nil || approval.PolicyVersion != cfg.Version {
			return nil, gateerr.New(gateerr.CodeApprovalRequired, "bundle requires approval")
		}
	}

	result := &CommitResult{}
	for _, rec := range intents {
		d, ok := o.Drivers.Resolve(rec.Type)
		if !ok {
			return result, gateerr.New(gateerr.CodeDriverUnregistered, rec.Type).WithDetails(map[string]any{"intentId": rec.ID})
		}

		payload := withIdempotencyKey(rec.Payload, bundleID+":"+rec.ID)
		ji := journal.Intent{
			Type: rec.Type,
			IdempotencyKey: bundleID + ":" + rec.ID,
			Payload: payload,
			Metadata: rec.Metadata,
		}

		entry, err := o.Journal.Append(ctx, ji, d)
		o.tel.journalAppends.Add(ctx, 1)
		if err != nil {
			o.tel.intentsRolledBack.Add(ctx, 1)
			return result, err
		}

		o.tel.intentsCommitted.Add(ctx, 1)
		receipt := gatestore.Receipt{
			BundleID: bundleID,
			IntentID: rec.ID,
			IntentType: rec.Type,
			Receipt: entry.Receipt,
			RecordedAt: o.Clock(),
		}
		if err := o.Store.SaveReceipt(ctx, receipt); err != nil {
			return result, err
		}
		result.Receipts = append(result.Receipts, receipt)
	}

	o.Logger.Info("bundle committed", "bundle_id", bundleID, "intents", len(result.Receipts))
	return result, nil
}

// Revert locates each saved receipt (ascending intent ID) and invokes its
// driver's receipt-based compensation. Best-effort: it continues past
// individual failures and never deletes receipts.
func (o *Orchestrator) Revert(ctx context.Context, bundleID string) ([]RevertOutcome, error) {
	ctx, span := o.tel.startSpan(ctx, "revert", bundleID)
	defer span.End()

	unlock, err := o.Lock.Lock(ctx, bundleID)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeCancelled, "acquire bundle lock", err)
	}
	defer unlock()

	receipts, err := o.Store.ListReceipts(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, gateerr.New(gateerr.CodeNoReceipts, "bundle has no receipts to revert")
	}

	b, _, err := o.openBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(b.Dir)

	intents, _, err := o.loadPlanInputs(b)
	if err != nil {
		return nil, err
	}
	byID := map[string]intent.Record{}
	for _, rec := range intents {
		byID[rec.ID] = rec
	}

	outcomes := make([]RevertOutcome, 0, len(receipts))
	for _, r := range receipts {
		d, ok := o.Drivers.Resolve(r.IntentType)
		if !ok {
			outcomes = append(outcomes, RevertOutcome{IntentID: r.IntentID, Reverted: false, Error: "driver unregistered"})
			continue
		}
		rev, ok := d.(driver.Reverter)
		if !ok {
			outcomes = append(outcomes, RevertOutcome{IntentID: r.IntentID, Reverted: false, Error: "driver does not support revert"})
			continue
		}

		payload := map[string]interface{}{}
		if rec, ok := byID[r.IntentID]; ok {
			payload = rec.Payload
		}

		if err := rev.RevertReceipt(ctx, payload, r.Receipt); err != nil {
			o.Logger.Error("revert failed", "bundle_id", bundleID, "intent_id", r.IntentID, "error", err)
			outcomes = append(outcomes, RevertOutcome{IntentID: r.IntentID, Reverted: false, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, RevertOutcome{IntentID: r.IntentID, Reverted: true})
	}

	o.Logger.Info("bundle reverted", "bundle_id", bundleID, "outcomes", len(outcomes))
	return outcomes, nil
}

func (o *Orchestrator) openBundle(ctx context.Context, bundleID string) (*bundle.Bundle, gatestore.BundleRecord, error) {
	raw, rec, err := o.Store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, gatestore.BundleRecord{}, gateerr.Wrap(gateerr.CodeNotFound, "bundle not found", err)
	}

	tmp, err := os.MkdirTemp("", "gate-bundle-*")
	if err != nil {
		return nil, gatestore.BundleRecord{}, gateerr.Wrap(gateerr.CodeHTTPError, "create temp dir", err)
	}
	if err := bundle.Unpack(bytes.NewReader(raw), tmp); err != nil {
		os.RemoveAll(tmp)
		return nil, gatestore.BundleRecord{}, err
	}
	b, err := bundle.Open(tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, gatestore.BundleRecord{}, err
	}
	return b, rec, nil
}

func (o *Orchestrator) loadPlanInputs(b *bundle.Bundle) ([]intent.Record, []policy.NetworkEntry, error) {
	intents, err := loadIntents(b.Dir, b.Manifest.Files.Intents)
	if err != nil {
		return nil, nil, err
	}
	attachAndLabel(intents)
	if err := checkDuplicateIntentIDs(intents); err != nil {
		return nil, nil, err
	}

	harBytes, err := os.ReadFile(filepath.Join(b.Dir, b.Manifest.Files.Network))
	if err != nil {
		return nil, nil, gateerr.Wrap(gateerr.CodeComponentMissing, "network", err)
	}
	network, err := parseNetworkEntries(harBytes)
	if err != nil {
		return nil, nil, err
	}

	return intents, network, nil
}

func loadIntents(dir, relpath string) ([]intent.Record, error) {
	raw, err := os.ReadFile(filepath.Join(dir, relpath))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeComponentMissing, "intents", err)
	}

	var out []intent.Record
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec intent.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeManifestMalformed, "parse intent record", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func attachAndLabel(intents []intent.Record) {
	for i := range intents {
		intent.AttachID(&intents[i])
		intent.ApplyDefaultLabel(&intents[i])
	}
}

func checkDuplicateIntentIDs(intents []intent.Record) error {
	seen := map[string]bool{}
	for _, rec := range intents {
		if seen[rec.ID] {
			return gateerr.New(gateerr.CodeDuplicateIntentID, rec.ID)
		}
		seen[rec.ID] = true
	}
	return nil
}

func withIdempotencyKey(payload map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["idempotencyKey"] = key
	return out
}


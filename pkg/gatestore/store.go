// Package gatestore implements the Gate Store: SQL-backed persistence for
// bundle metadata, approval records, and receipts, plus a pluggable blob
// backend for the bundle archives themselves.
package gatestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// BundleRecord is the `bundles` table row.
type BundleRecord struct {
	ID string
	Path string
	CreatedAt time.Time
	Metadata map[string]interface{}
}

// Approval is the `approvals` table row . Signature and
// SignerKeyID are ambient enrichment: set only when the
// Orchestrator is configured with a signing.Signer, never required by the
// core state machine.
type Approval struct {
	BundleID string `json:"bundleId"`
	Actor string `json:"actor"`
	PolicyVersion string `json:"policyVersion"`
	ApprovedAt time.Time `json:"approvedAt"`
	Signature string `json:"signature,omitempty"`
	SignerKeyID string `json:"signerKeyId,omitempty"`
}

// Receipt is the `receipts` table row.
type Receipt struct {
	BundleID string `json:"bundleId"`
	IntentID string `json:"intentId"`
	IntentType string `json:"intentType"`
	Receipt json.RawMessage `json:"receipt"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Store combines the SQL tables with a pluggable blob backend.
type Store struct {
	db *sql.DB
	driver Driver
	blobs BlobBackend
}

// Open opens (creating if absent) the SQL backend named by driver/dsn and
// migrates the schema. SQLite is the default ("Lite Mode"); Postgres is
// opt-in via a `postgres://` DSN, mirroring dual-backend
// split in cmd/helm/main.go.
func Open(driver Driver, dsn string, blobs BlobBackend) (*Store, error) {
	driverName := "sqlite"
	if driver == DriverPostgres {
		driverName = "postgres"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("gatestore: open %s: %w", driverName, err)
	}

	s := &Store{db: db, driver: driver, blobs: blobs}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bundles (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			bundle_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			policy_version TEXT NOT NULL,
			approved_at TEXT NOT NULL,
			signature TEXT,
			signer_key_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS receipts (
			bundle_id TEXT NOT NULL,
			intent_id TEXT NOT NULL,
			intent_type TEXT NOT NULL,
			receipt_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (bundle_id, intent_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("gatestore: migrate: %w", err)
		}
	}
	return nil
}

// NewWithDB builds a Store around an already-open *sql.DB, skipping
// migration — used by tests that inject a sqlmock database.
func NewWithDB(db *sql.DB, driver Driver, blobs BlobBackend) *Store {
	return &Store{db: db, driver: driver, blobs: blobs}
}

func (s *Store) ph(n int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// PersistBundle writes the bundle blob through the configured backend and
// records its metadata row.
func (s *Store) PersistBundle(ctx context.Context, id string, blob []byte, metadata map[string]interface{}) (BundleRecord, error) {
	key := fmt.Sprintf("bundles/%s.tgz", id)
	if err := s.blobs.Put(ctx, key, blob); err != nil {
		return BundleRecord{}, fmt.Errorf("gatestore: persist blob: %w", err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return BundleRecord{}, fmt.Errorf("gatestore: marshal metadata: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BundleRecord{}, fmt.Errorf("gatestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`INSERT INTO bundles (id, path, created_at, metadata_json) VALUES (%s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := tx.ExecContext(ctx, q, id, key, now.Format(time.RFC3339), string(metaJSON)); err != nil {
		return BundleRecord{}, fmt.Errorf("gatestore: insert bundle: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BundleRecord{}, fmt.Errorf("gatestore: commit: %w", err)
	}

	return BundleRecord{ID: id, Path: key, CreatedAt: now, Metadata: metadata}, nil
}

// GetBundle returns the bundle's raw archive bytes and its metadata row.
func (s *Store) GetBundle(ctx context.Context, id string) ([]byte, BundleRecord, error) {
	q := fmt.Sprintf(`SELECT id, path, created_at, metadata_json FROM bundles WHERE id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, id)

	var rec BundleRecord
	var createdAt, metaJSON string
	if err := row.Scan(&rec.ID, &rec.Path, &createdAt, &metaJSON); err != nil {
		return nil, BundleRecord{}, fmt.Errorf("gatestore: bundle %s not found: %w", id, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)

	blob, err := s.blobs.Get(ctx, rec.Path)
	if err != nil {
		return nil, BundleRecord{}, fmt.Errorf("gatestore: read blob: %w", err)
	}
	return blob, rec, nil
}

// ListBundles returns every bundle's metadata row, most recent first.
func (s *Store) ListBundles(ctx context.Context) ([]BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, created_at, metadata_json FROM bundles ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("gatestore: list bundles: %w", err)
	}
	defer rows.Close()

	var out []BundleRecord
	for rows.Next() {
		var rec BundleRecord
		var createdAt, metaJSON string
		if err := rows.Scan(&rec.ID, &rec.Path, &createdAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("gatestore: scan bundle row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordApproval upserts an approval row by bundle ID.
func (s *Store) RecordApproval(ctx context.Context, a Approval) error {
	q := fmt.Sprintf(`INSERT INTO approvals (bundle_id, actor, policy_version, approved_at, signature, signer_key_id) VALUES (%s, %s, %s, %s, %s, %s)
		ON CONFLICT (bundle_id) DO UPDATE SET actor = excluded.actor, policy_version = excluded.policy_version, approved_at = excluded.approved_at, signature = excluded.signature, signer_key_id = excluded.signer_key_id`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err := s.db.ExecContext(ctx, q, a.BundleID, a.Actor, a.PolicyVersion, a.ApprovedAt.UTC().Format(time.RFC3339), a.Signature, a.SignerKeyID)
	if err != nil {
		return fmt.Errorf("gatestore: upsert approval: %w", err)
	}
	return nil
}

// GetApproval returns the current approval for bundleId, if any.
func (s *Store) GetApproval(ctx context.Context, bundleID string) (*Approval, error) {
	q := fmt.Sprintf(`SELECT bundle_id, actor, policy_version, approved_at, signature, signer_key_id FROM approvals WHERE bundle_id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, bundleID)

	var a Approval
	var approvedAt string
	var signature, signerKeyID sql.NullString
	if err := row.Scan(&a.BundleID, &a.Actor, &a.PolicyVersion, &approvedAt, &signature, &signerKeyID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("gatestore: get approval: %w", err)
	}
	a.ApprovedAt, _ = time.Parse(time.RFC3339, approvedAt)
	a.Signature = signature.String
	a.SignerKeyID = signerKeyID.String
	return &a, nil
}

// SaveReceipt upserts a receipt row keyed by (bundleId, intentId) — last
// writer wins.
func (s *Store) SaveReceipt(ctx context.Context, r Receipt) error {
	q := fmt.Sprintf(`INSERT INTO receipts (bundle_id, intent_id, intent_type, receipt_json, recorded_at) VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (bundle_id, intent_id) DO UPDATE SET intent_type = excluded.intent_type, receipt_json = excluded.receipt_json, recorded_at = excluded.recorded_at`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, q, r.BundleID, r.IntentID, r.IntentType, string(r.Receipt), r.RecordedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("gatestore: upsert receipt: %w", err)
	}
	return nil
}

// ListReceipts returns bundleId's receipts sorted by intent ID.
func (s *Store) ListReceipts(ctx context.Context, bundleID string) ([]Receipt, error) {
	q := fmt.Sprintf(`SELECT bundle_id, intent_id, intent_type, receipt_json, recorded_at FROM receipts WHERE bundle_id = %s ORDER BY intent_id ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, bundleID)
	if err != nil {
		return nil, fmt.Errorf("gatestore: list receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var recordedAt, receiptJSON string
		if err := rows.Scan(&r.BundleID, &r.IntentID, &r.IntentType, &receiptJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("gatestore: scan receipt row: %w", err)
		}
		r.Receipt = json.RawMessage(receiptJSON)
		r.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

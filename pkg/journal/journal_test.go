package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeDriver struct {
	prepareErr error
	commitErr error
	rollbackErr error
	receipt string

	prepareCalls int
	commitCalls int
	rollbackCalls int
}

func (d *fakeDriver) Prepare(ctx context.Context, payload map[string]interface{}) (Prepared, error) {
	d.prepareCalls++
	if d.prepareErr != nil {
		return nil, d.prepareErr
	}
	return payload, nil
}

func (d *fakeDriver) Commit(ctx context.Context, prepared Prepared) (json.RawMessage, error) {
	d.commitCalls++
	if d.commitErr != nil {
		return nil, d.commitErr
	}
	return json.RawMessage(`{"receipt":"` + d.receipt + `"}`), nil
}

func (d *fakeDriver) Rollback(ctx context.Context, prepared Prepared) error {
	d.rollbackCalls++
	return d.rollbackErr
}

func stepClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		cur := t
		t = t.Add(time.Second)
		return cur
	}
}

func TestAppend_CommitsAndRecordsMonotonicIDs(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.jsonl"), stepClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	d := &fakeDriver{receipt: "applied"}
	e1, err := j.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k1"}, d)
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	e2, err := j.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k2"}, d)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if e1.ID != "000000000001" {
		t.Errorf("e1.ID = %s, want 000000000001", e1.ID)
	}
	if e2.ID != "000000000002" {
		t.Errorf("e2.ID = %s, want 000000000002", e2.ID)
	}
	if e1.Status != StatusCommitted || e2.Status != StatusCommitted {
		t.Errorf("expected both committed, got %s %s", e1.Status, e2.Status)
	}
}

func TestAppend_IdempotentByKey(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.jsonl"), stepClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	d := &fakeDriver{receipt: "applied"}
	intent := Intent{Type: "test.mock", IdempotencyKey: "dupe"}

	first, err := j.Append(context.Background(), intent, d)
	if err != nil {
		t.Fatal(err)
	}
	second, err := j.Append(context.Background(), intent, d)
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != second.ID {
		t.Errorf("expected identical entry returned, got IDs %s and %s", first.ID, second.ID)
	}
	if d.commitCalls != 1 {
		t.Errorf("driver Commit invoked %d times, want 1", d.commitCalls)
	}

	entries := j.Entries()
	committedCount := 0
	for _, e := range entries {
		if e.IdempotencyKey == "dupe" && e.Status == StatusCommitted {
			committedCount++
		}
	}
	if committedCount != 1 {
		t.Errorf("expected exactly one committed entry for key, got %d", committedCount)
	}
}

func TestAppend_PrepareFailureRecordsRolledback(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.jsonl"), stepClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	d := &fakeDriver{prepareErr: errors.New("boom")}
	_, err = j.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k1"}, d)
	if err == nil {
		t.Fatal("expected error from failed prepare")
	}

	entries := j.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Status != StatusRolledback {
		t.Errorf("status = %s, want rolledback", entries[0].Status)
	}
	if entries[0].Error == "" {
		t.Errorf("expected error message recorded")
	}
}

func TestAppend_CommitFailureInvokesRollbackAndPropagates(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.jsonl"), stepClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	d := &fakeDriver{commitErr: errors.New("commit boom")}
	_, err = j.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k1"}, d)
	if err == nil {
		t.Fatal("expected error from failed commit")
	}
	if d.rollbackCalls != 1 {
		t.Errorf("rollback called %d times, want 1", d.rollbackCalls)
	}

	entries := j.Entries()
	if entries[len(entries)-1].Status != StatusRolledback {
		t.Errorf("last entry status = %s, want rolledback", entries[len(entries)-1].Status)
	}
}

func TestOpen_ReplaysAndContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	j1, err := Open(path, stepClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDriver{receipt: "applied"}
	if _, err := j1.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k1"}, d); err != nil {
		t.Fatal(err)
	}
	if _, err := j1.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k2"}, d); err != nil {
		t.Fatal(err)
	}
	j1.Close()

	j2, err := Open(path, stepClock(time.Unix(100, 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()

	if len(j2.Entries()) != 2 {
		t.Fatalf("expected 2 replayed entries, got %d", len(j2.Entries()))
	}

	e3, err := j2.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k3"}, d)
	if err != nil {
		t.Fatal(err)
	}
	if e3.ID != "000000000003" {
		t.Errorf("ID after reopen = %s, want 000000000003", e3.ID)
	}

	// Re-appending an already-committed key from before reopen still returns
	// the original entry unchanged (idempotency survives a restart).
	again, err := j2.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k1"}, d)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != "000000000001" {
		t.Errorf("replayed idempotency key returned ID %s, want 000000000001", again.ID)
	}
}

func TestOpen_DiscardsTrailingPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	complete := `{"id":"000000000001","intentType":"test.mock","idempotencyKey":"k1","payload":{},"timestamp":"2024-01-01T00:00:00Z","status":"committed"}` + "\n"
	partial := `{"id":"000000000002","intentType":"test.mock"` // no trailing newline, simulates a crash mid-write

	if err := os.WriteFile(path, []byte(complete+partial), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := Open(path, stepClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	entries := j.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected partial line to be discarded, got %d entries", len(entries))
	}

	d := &fakeDriver{receipt: "x"}
	e, err := j.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k2"}, d)
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "000000000002" {
		t.Errorf("next ID after discarding partial line = %s, want 000000000002", e.ID)
	}
}

func TestPersist_WritesNewlineFramedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	j, err := Open(path, stepClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDriver{receipt: "applied"}
	if _, err := j.Append(context.Background(), Intent{Type: "test.mock", IdempotencyKey: "k1"}, d); err != nil {
		t.Fatal(err)
	}
	j.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Errorf("journal file must end with a newline")
	}
}

// Package journal implements the Intent Journal: an append-only JSONL log
// enforcing idempotent two-phase effects across pluggable drivers.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

// Status values for a journal Entry.
const (
	StatusCommitted = "committed"
	StatusRolledback = "rolledback"
)

// Entry is one append-only journal line.
type Entry struct {
	ID string `json:"id"`
	IntentType string `json:"intentType"`
	IdempotencyKey string `json:"idempotencyKey"`
	Payload map[string]interface{} `json:"payload"`
	Receipt json.RawMessage `json:"receipt,omitempty"`
	Timestamp string `json:"timestamp"`
	Status string `json:"status"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error string `json:"error,omitempty"`
}

// Intent is the caller-supplied description of the effect to append.
type Intent struct {
	Type string
	IdempotencyKey string
	Payload map[string]interface{}
	Metadata map[string]interface{}
}

// Prepared is an opaque compensating-state handle returned by a driver's
// Prepare phase and threaded through Commit/Rollback.
type Prepared interface{}

// Driver is the two-phase-commit contract a journal entry is appended
// through. Prepare must be the only phase that captures compensating
// state.
type Driver interface {
	Prepare(ctx context.Context, payload map[string]interface{}) (Prepared, error)
	Commit(ctx context.Context, prepared Prepared) (json.RawMessage, error)
	Rollback(ctx context.Context, prepared Prepared) error
}

// Planner is an optional driver phase run before Prepare; a Plan failure is
// not persisted to the journal.
type Planner interface {
	Plan(ctx context.Context, payload map[string]interface{}) error
}

// Validator is an optional driver phase run after Plan and before Prepare;
// a Validate failure is not persisted to the journal.
type Validator interface {
	Validate(ctx context.Context, payload map[string]interface{}) error
}

// Journal is scoped to one file path with a single writer; concurrent
// callers serialize through mu.
type Journal struct {
	mu sync.Mutex
	path string
	clock func() time.Time
	file *os.File
	nextID int64
	byKey map[string]Entry
	all []Entry
}

// Open reads path (if it exists), rebuilds in-memory state, and opens the
// file for append. clock defaults to time.Now if nil.
func Open(path string, clock func() time.Time) (*Journal, error) {
	if clock == nil {
		clock = time.Now
	}

	j := &Journal{
		path: path,
		clock: clock,
		nextID: 1,
		byKey: map[string]Entry{},
	}

	if existing, err := os.Open(path); err == nil {
		lastID, err := j.replay(existing)
		existing.Close()
		if err != nil {
			return nil, err
		}
		j.nextID = lastID + 1
	} else if !os.IsNotExist(err) {
		return nil, gateerr.Wrap(gateerr.CodeJournalIoError, "open existing journal", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeJournalIoError, "open journal for append", err)
	}
	j.file = f
	return j, nil
}

// replay reads every strictly newline-terminated line, rebuilding the
// committed index. A trailing partial line (no terminating newline, as a
// prior crash mid-write would leave) is discarded, never parsed.
func (j *Journal) replay(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var lastID int64

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// line holds a partial, non-newline-terminated tail (or is
				// empty at clean EOF); neither is admitted.
				return lastID, nil
			}
			return lastID, gateerr.Wrap(gateerr.CodeJournalIoError, "read journal", err)
		}

		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return lastID, gateerr.Wrap(gateerr.CodeJournalParseError, "parse journal line", err)
		}

		if id, err := strconv.ParseInt(e.ID, 10, 64); err == nil && id > lastID {
			lastID = id
		}
		j.all = append(j.all, e)
		if e.Status == StatusCommitted {
			j.byKey[e.IdempotencyKey] = e
		}
	}
}

// Append runs the two-phase driver contract for intent and persists the
// result.
//
// 1. If a committed entry with this idempotencyKey exists, it is returned
// unchanged.
// 2. Plan/Validate (if implemented) may fail without being persisted.
// 3. Prepare failures are persisted as rolledback.
// 4. Commit success persists committed; commit failure triggers a
// best-effort Rollback and persists rolledback, propagating the
// original commit error.
func (j *Journal) Append(ctx context.Context, intent Intent, driver Driver) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.byKey[intent.IdempotencyKey]; ok {
		return existing, nil
	}

	if planner, ok := driver.(Planner); ok {
		if err := planner.Plan(ctx, intent.Payload); err != nil {
			return Entry{}, gateerr.Wrap(gateerr.CodePrepareFailed, "plan failed", err)
		}
	}
	if validator, ok := driver.(Validator); ok {
		if err := validator.Validate(ctx, intent.Payload); err != nil {
			return Entry{}, gateerr.Wrap(gateerr.CodePrepareFailed, "validate failed", err)
		}
	}

	prepared, err := driver.Prepare(ctx, intent.Payload)
	if err != nil {
		entry := j.buildEntry(intent, StatusRolledback, nil, err)
		if perr := j.persist(entry); perr != nil {
			return Entry{}, perr
		}
		return entry, gateerr.Wrap(gateerr.CodePrepareFailed, "prepare failed", err)
	}

	receipt, commitErr := driver.Commit(ctx, prepared)
	if commitErr != nil {
		if rerr := driver.Rollback(ctx, prepared); rerr != nil {
			commitErr = fmt.Errorf("%w (rollback also failed: %v)", commitErr, rerr)
		}
		entry := j.buildEntry(intent, StatusRolledback, nil, commitErr)
		if perr := j.persist(entry); perr != nil {
			return Entry{}, perr
		}
		return entry, gateerr.Wrap(gateerr.CodeCommitFailed, "commit failed", commitErr)
	}

	entry := j.buildEntry(intent, StatusCommitted, receipt, nil)
	if err := j.persist(entry); err != nil {
		return Entry{}, err
	}
	j.byKey[intent.IdempotencyKey] = entry
	return entry, nil
}

func (j *Journal) buildEntry(intent Intent, status string, receipt json.RawMessage, cause error) Entry {
	e := Entry{
		ID: fmt.Sprintf("%012d", j.nextID),
		IntentType: intent.Type,
		IdempotencyKey: intent.IdempotencyKey,
		Payload: intent.Payload,
		Receipt: receipt,
		Timestamp: j.clock().UTC().Format(time.RFC3339),
		Status: status,
		Metadata: intent.Metadata,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	j.nextID++
	return e
}

func (j *Journal) persist(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeJournalIoError, "marshal journal entry", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return gateerr.Wrap(gateerr.CodeJournalIoError, "write journal entry", err)
	}
	if err := j.file.Sync(); err != nil {
		return gateerr.Wrap(gateerr.CodeJournalIoError, "fsync journal", err)
	}
	j.all = append(j.all, e)
	return nil
}

// Close closes the underlying file handle.
func (j *Journal) Close() error {
	return j.file.Close()
}

// Entries returns a snapshot of every entry ever appended, in append order,
// for inspection CLIs (`gate journal ls|show`).
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.all))
	copy(out, j.all)
	return out
}

package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/deterministic-agent-lab/gate/pkg/canon"
	"github.com/deterministic-agent-lab/gate/pkg/journal"
)

// FileWriteDriver implements the File-Write Driver . Payload
// shape: {path, content, mode?}.
type FileWriteDriver struct{}

type fileWritePrepared struct {
	path string
	content []byte
	mode *os.FileMode

	existed bool
	priorBytes []byte
	priorMode os.FileMode
	priorHashHex string
}

type fileWriteReceipt struct {
	Path string `json:"path"`
	Sha256 string `json:"sha256"`
	PreviousHash string `json:"previousHash,omitempty"`
	Existed bool `json:"existed"`
	PreviousContent string `json:"previousContent,omitempty"` // base64, present iff Existed
	PreviousMode uint32 `json:"previousMode,omitempty"`
}

func (FileWriteDriver) Prepare(_ context.Context, payload map[string]interface{}) (journal.Prepared, error) {
	path, _ := payload["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("filewrite: PathInvalid: empty path")
	}

	contentStr, _ := payload["content"].(string)
	p := &fileWritePrepared{
		path: path,
		content: []byte(contentStr),
	}

	if modeRaw, ok := payload["mode"]; ok {
		if m, err := parseMode(modeRaw); err == nil {
			p.mode = &m
		}
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.IsDir() {
			return nil, fmt.Errorf("filewrite: NotAFile: %s is a directory", path)
		}
		prior, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("filewrite: IoError: read prior content: %w", err)
		}
		p.existed = true
		p.priorBytes = prior
		p.priorMode = info.Mode()
		p.priorHashHex = canon.HashFile(prior)
	case os.IsNotExist(err):
		p.existed = false
	default:
		return nil, fmt.Errorf("filewrite: IoError: stat %s: %w", path, err)
	}

	return p, nil
}

func (FileWriteDriver) Commit(_ context.Context, prepared journal.Prepared) (json.RawMessage, error) {
	p := prepared.(*fileWritePrepared)

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return nil, fmt.Errorf("filewrite: IoError: mkdir parent: %w", err)
	}

	tmp := p.path + ".gate-tmp"
	mode := os.FileMode(0o644)
	if p.mode != nil {
		mode = *p.mode
	}
	if err := os.WriteFile(tmp, p.content, mode); err != nil {
		return nil, fmt.Errorf("filewrite: IoError: write temp file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return nil, fmt.Errorf("filewrite: IoError: rename into place: %w", err)
	}
	if p.mode != nil {
		if err := os.Chmod(p.path, *p.mode); err != nil {
			return nil, fmt.Errorf("filewrite: IoError: chmod: %w", err)
		}
	}

	r := fileWriteReceipt{
		Path: p.path,
		Sha256: canon.HashFile(p.content),
		PreviousHash: p.priorHashHex,
		Existed: p.existed,
	}
	if p.existed {
		r.PreviousContent = base64.StdEncoding.EncodeToString(p.priorBytes)
		r.PreviousMode = uint32(p.priorMode.Perm())
	}
	return json.Marshal(r)
}

// Rollback restores the prior file state immediately following a commit
// failure in the same process, using the in-memory Prepared handle.
func (FileWriteDriver) Rollback(_ context.Context, prepared journal.Prepared) error {
	p := prepared.(*fileWritePrepared)
	if p.existed {
		return os.WriteFile(p.path, p.priorBytes, p.priorMode)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filewrite: IoError: remove on rollback: %w", err)
	}
	return nil
}

// RevertReceipt restores the prior file state from a persisted receipt,
// independent of any in-memory Prepared handle — used by the Gate
// Orchestrator's explicit Revert operation, potentially long after commit.
func (FileWriteDriver) RevertReceipt(_ context.Context, _ map[string]interface{}, receipt json.RawMessage) error {
	var r fileWriteReceipt
	if err := json.Unmarshal(receipt, &r); err != nil {
		return fmt.Errorf("filewrite: malformed receipt: %w", err)
	}
	if !r.Existed {
		if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filewrite: IoError: remove on revert: %w", err)
		}
		return nil
	}
	prior, err := base64.StdEncoding.DecodeString(r.PreviousContent)
	if err != nil {
		return fmt.Errorf("filewrite: malformed previousContent: %w", err)
	}
	mode := os.FileMode(r.PreviousMode)
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(r.Path, prior, mode)
}

func parseMode(v interface{}) (os.FileMode, error) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseUint(t, 8, 32)
		if err != nil {
			return 0, err
		}
		return os.FileMode(n), nil
	case float64:
		return os.FileMode(uint32(t)), nil
	default:
		return 0, fmt.Errorf("unsupported mode type %T", v)
	}
}

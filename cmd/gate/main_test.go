package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-agent-lab/gate/pkg/bundle"
)

func TestRunHelpPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"gate", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "USAGE:")
}

func TestRunUnknownCommandReturnsUsageExitCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"gate", "bogus"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "unknown command")
}

func buildDescribableBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	intentLine, err := json.Marshal(map[string]interface{}{
		"index": 0,
		"type": "file.write",
		"payload": map[string]interface{}{
			"path": filepath.Join(dir, "out.txt"),
			"content": "hi",
		},
	})
	require.NoError(t, err)

	_, err = bundle.Create(dir, bundle.Input{
		Env: []byte(`{}`),
		Clock: []byte(`{}`),
		Network: []byte(`{"log":{"entries":[]}}`),
		Intents: append(intentLine, '\n'),
	}, time.Unix(0, 0))
	require.NoError(t, err)
	return dir
}

func TestBundleDescribePrintsManifestAndHash(t *testing.T) {
	dir := buildDescribableBundle(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"gate", "bundle", "describe", dir}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var out struct {
		Hash string `json:"hash"`
		Manifest struct {
			Version string `json:"version"`
		} `json:"manifest"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.NotEmpty(t, out.Hash)
	require.NotEmpty(t, out.Manifest.Version)
}

func TestJournalLsListsAppendedEntries(t *testing.T) {
	dataDir := t.TempDir()
	journalPath := filepath.Join(dataDir, "journal.jsonl")
	require.NoError(t, os.WriteFile(journalPath, []byte(
		`{"id":"000000000001","intentType":"file.write","idempotencyKey":"k1","status":"committed","timestamp":"2026-01-01T00:00:00Z"}`+"\n",
	), 0o644))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"gate", "journal", "ls", "--journal", journalPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.True(t, strings.Contains(stdout.String(), "000000000001"))
}

func TestVerifyRejectsMissingFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"gate", "verify"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Usage: gate verify")
}

package bundle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

func sampleInput() Input {
	return Input{
		Description: "test run",
		Env: []byte(`{"PATH":"/usr/bin"}`),
		Clock: []byte(`{"startedAt":"2024-01-01T00:00:00Z"}`),
		Network: []byte(`{"log":{"entries":[]}}`),
		Intents: []byte(`{"index":0,"type":"test.mock","payload":{}}` + "\n"),
		FsDiff: map[string][]byte{
			"base.tar": []byte("fake-tar"),
			"diff/files/note.txt": []byte("hello"),
		},
		Logs: map[string][]byte{
			"stdout.log": []byte("hi\n"),
			"stderr.log": []byte(""),
			"policy.yaml": []byte("version: v1\n"),
		},
		Prompts: map[string][]byte{
			"0001.json": []byte(`{"provider":"openai"}`),
		},
	}
}

func TestCreate_ThenOpen_Succeeds(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(dir, sampleInput(), time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if b.Manifest.Version != ManifestVersion {
		t.Errorf("manifest version = %s", b.Manifest.Version)
	}

	opened, err := Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if opened.Manifest.CreatedAt != b.Manifest.CreatedAt {
		t.Errorf("createdAt mismatch after reopen")
	}
}

func TestValidate_PassesWithRecordedHashes(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, sampleInput(), time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	b, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(b); err != nil {
		t.Errorf("expected valid bundle, got %v", err)
	}
}

func TestValidate_DetectsTamperedComponent(t *testing.T) {
	// S4: flip a byte in logs/stdout.log and re-validate.
	dir := t.TempDir()
	if _, err := Create(dir, sampleInput(), time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}

	stdoutPath := filepath.Join(dir, "logs", "stdout.log")
	if err := os.WriteFile(stdoutPath, []byte("tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := Open(dir)
	if err == nil {
		t.Fatal("expected Open to fail validation after tampering")
	}
	gerr, ok := err.(*gateerr.Error)
	if !ok {
		t.Fatalf("expected *gateerr.Error, got %T", err)
	}
	if gerr.Code != gateerr.CodeHashMismatch {
		t.Errorf("error code = %s, want HashMismatch", gerr.Code)
	}
	_ = b
}

func TestHash_DiffersAfterTampering(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, sampleInput(), time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	b, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}

	// mutate after reading, bypassing Open's own validation
	if err := os.WriteFile(filepath.Join(dir, "logs", "stdout.log"), []byte("different\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("expected bundle hash to change after tampering")
	}
}

func TestHash_StableForIdenticalInputs(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	now := time.Unix(12345, 0)

	if _, err := Create(dir1, sampleInput(), now); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(dir2, sampleInput(), now); err != nil {
		t.Fatal(err)
	}

	b1, err := Open(dir1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := Open(dir2)
	if err != nil {
		t.Fatal(err)
	}

	h1, err := Hash(b1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(b2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("identical logical inputs produced different hashes: %s vs %s", h1, h2)
	}
}

func TestOpen_MissingManifestFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	if err == nil {
		t.Fatal("expected error opening a directory with no manifest.json")
	}
	gerr, ok := err.(*gateerr.Error)
	if !ok || gerr.Code != gateerr.CodeManifestMissing {
		t.Errorf("expected ManifestMissing, got %v", err)
	}
}

func TestValidate_ComponentMissingFailsWhenDirDeleted(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, sampleInput(), time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(dir, "logs")); err != nil {
		t.Fatal(err)
	}
	_, err := Open(dir)
	if err == nil {
		t.Fatal("expected error for missing component directory")
	}
	gerr, ok := err.(*gateerr.Error)
	if !ok || gerr.Code != gateerr.CodeComponentMissing {
		t.Errorf("expected ComponentMissing, got %v", err)
	}
}

func TestReadTree_RoundTripsWrittenFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, sampleInput(), time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	files, err := ReadTree(dir, "fs-diff")
	if err != nil {
		t.Fatal(err)
	}
	if string(files["diff/files/note.txt"]) != "hello" {
		t.Errorf("ReadTree did not round-trip fsDiff content, got %v", files)
	}
}

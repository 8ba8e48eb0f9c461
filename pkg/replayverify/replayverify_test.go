package replayverify

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deterministic-agent-lab/gate/pkg/bundle"
)

type fakeRunner struct {
	stdout, stderr []byte
	exitCode int
}

func (f fakeRunner) Run(_ context.Context, _ string, _ map[string]interface{}, _ map[string]interface{}) ([]byte, []byte, int, error) {
	return f.stdout, f.stderr, f.exitCode, nil
}

func buildBaseTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildVerifyBundle(t *testing.T, stdout, stderr string) *bundle.Bundle {
	t.Helper()
	dir := t.TempDir()

	baseTar := buildBaseTar(t, map[string]string{"keep.txt": "base content", "remove.txt": "gone soon"})
	deleted, _ := json.Marshal([]string{"remove.txt"})

	b, err := bundle.Create(dir, bundle.Input{
		Env: []byte(`{"seed":"1"}`),
		Clock: []byte(`{"start":"2026-01-01T00:00:00Z"}`),
		Network: []byte(`{"log":{"entries":[]}}`),
		Intents: []byte(""),
		FsDiff: map[string][]byte{
			"base.tar": baseTar,
			"diff/files/new.txt": []byte("post-change content"),
			"diff/deleted.json": deleted,
		},
		Logs: map[string][]byte{
			"stdout.log": []byte(stdout),
			"stderr.log": []byte(stderr),
		},
		Prompts: map[string][]byte{},
	}, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReconstructFSAppliesBaseOverlayAndDeletion(t *testing.T) {
	b := buildVerifyBundle(t, "ok\n", "")
	target := t.TempDir()

	if err := ReconstructFS(b, target); err != nil {
		t.Fatalf("ReconstructFS: %v", err)
	}

	keep, err := os.ReadFile(filepath.Join(target, "keep.txt"))
	if err != nil || string(keep) != "base content" {
		t.Fatalf("keep.txt not restored from base: %v %q", err, keep)
	}

	if _, err := os.ReadFile(filepath.Join(target, "new.txt")); err != nil {
		t.Fatalf("new.txt overlay not applied: %v", err)
	}

	if _, err := os.Stat(filepath.Join(target, "remove.txt")); !os.IsNotExist(err) {
		t.Fatalf("remove.txt should have been deleted, stat err=%v", err)
	}
}

func TestVerifySucceedsWhenOutputMatches(t *testing.T) {
	b := buildVerifyBundle(t, "hello\n", "")
	runner := fakeRunner{stdout: []byte("hello\n"), stderr: []byte(""), exitCode: 0}

	result, err := Verify(context.Background(), b, runner, t.TempDir())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestVerifyReportsFirstDiffOnMismatch(t *testing.T) {
	b := buildVerifyBundle(t, "line one\nline two\n", "")
	runner := fakeRunner{stdout: []byte("line one\nDIFFERENT\n"), stderr: []byte(""), exitCode: 0}

	result, err := Verify(context.Background(), b, runner, t.TempDir())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.FirstDiff == nil {
		t.Fatal("expected a firstDiff")
	}
	if result.FirstDiff.Line != 2 {
		t.Fatalf("expected diff at line 2, got %d", result.FirstDiff.Line)
	}
}

// Package replayverify implements the Replay Verifier:
// filesystem reconstruction from a bundle's fsDiff component, a
// collaborator-supplied sandbox Runner launched with the recorded env and
// clock components, and byte-for-byte comparison of captured
// stdout/stderr against the recorded logs.
package replayverify

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/deterministic-agent-lab/gate/pkg/bundle"
	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

// Runner launches the agent under replay conditions — the recorded seed,
// start time, and reconstructed filesystem rooted at cwd — and returns its
// captured stdout/stderr and exit code. Implementations are expected to run
// the agent against an allowlist proxy serving the bundle's recorded HAR;
// Verify passes only cwd, env and clock, not the HAR, and this package does
// no sandboxing itself.
type Runner interface {
	Run(ctx context.Context, cwd string, env map[string]interface{}, clock map[string]interface{}) (stdout, stderr []byte, exitCode int, err error)
}

// Diff describes the first point of divergence between recorded and
// replayed output.
type Diff struct {
	Kind string `json:"kind"` // "stdout" or "stderr"
	Line int `json:"line"`
	Expected string `json:"expected"`
	Actual string `json:"actual"`
}

// Result is Verify's return value.
type Result struct {
	Success bool `json:"success"`
	StdoutMatches bool `json:"stdoutMatches"`
	StderrMatches bool `json:"stderrMatches"`
	FirstDiff *Diff `json:"firstDiff,omitempty"`
	ExitCode int `json:"exitCode"`
}

// ReconstructFS rebuilds the input filesystem at targetDir from a bundle's
// fsDiff component: base.tar extracted first, then diff/files/* overlaid,
// then every path listed in diff/deleted.json removed.
func ReconstructFS(b *bundle.Bundle, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir replay target", err)
	}

	tree, err := bundle.ReadTree(b.Dir, b.Manifest.Files.FsDiff)
	if err != nil {
		return err
	}

	if base, ok := tree["base.tar"]; ok {
		// fsDiff's base snapshot is a plain tar, unlike the outer bundle
		// archive which is gzip-compressed.
		if err := untarPlain(base, targetDir); err != nil {
			return gateerr.Wrap(gateerr.CodeBundleInvalid, "extract fsDiff base.tar", err)
		}
	}

	for relpath, content := range tree {
		if relpath == "base.tar" || relpath == "diff/deleted.json" {
			continue
		}
		const prefix = "diff/files/"
		if len(relpath) <= len(prefix) || relpath[:len(prefix)] != prefix {
			continue
		}
		full := filepath.Join(targetDir, relpath[len(prefix):])
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir fsDiff overlay entry", err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return gateerr.Wrap(gateerr.CodeHTTPError, "write fsDiff overlay entry", err)
		}
	}

	if raw, ok := tree["diff/deleted.json"]; ok {
		var deleted []string
		if err := json.Unmarshal(raw, &deleted); err != nil {
			return gateerr.Wrap(gateerr.CodeManifestMalformed, "parse diff/deleted.json", err)
		}
		for _, path := range deleted {
			full := filepath.Join(targetDir, filepath.FromSlash(path))
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return gateerr.Wrap(gateerr.CodeHTTPError, "apply fsDiff deletion", err)
			}
		}
	}

	return nil
}

// untarPlain extracts an uncompressed tar stream into dir.
func untarPlain(data []byte, dir string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// Verify reconstructs the bundle's filesystem, runs it through runner
// against the recorded env/clock, and compares captured output against the
// recorded logs byte-for-byte.
func Verify(ctx context.Context, b *bundle.Bundle, runner Runner, workDir string) (*Result, error) {
	if err := ReconstructFS(b, workDir); err != nil {
		return nil, err
	}

	var env, clock map[string]interface{}
	envBytes, err := os.ReadFile(filepath.Join(b.Dir, b.Manifest.Files.Env))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeComponentMissing, "env", err)
	}
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeManifestMalformed, "parse env.json", err)
	}
	clockBytes, err := os.ReadFile(filepath.Join(b.Dir, b.Manifest.Files.Clock))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeComponentMissing, "clock", err)
	}
	if err := json.Unmarshal(clockBytes, &clock); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeManifestMalformed, "parse clock.json", err)
	}

	recordedStdout, err := os.ReadFile(filepath.Join(b.Dir, b.Manifest.Files.Logs, "stdout.log"))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeComponentMissing, "logs/stdout.log", err)
	}
	recordedStderr, err := os.ReadFile(filepath.Join(b.Dir, b.Manifest.Files.Logs, "stderr.log"))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeComponentMissing, "logs/stderr.log", err)
	}

	gotStdout, gotStderr, exitCode, err := runner.Run(ctx, workDir, env, clock)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeReplayExitNonZero, "run replay", err)
	}

	result := &Result{ExitCode: exitCode}
	result.StdoutMatches = bytes.Equal(recordedStdout, gotStdout)
	result.StderrMatches = bytes.Equal(recordedStderr, gotStderr)

	if !result.StdoutMatches {
		result.FirstDiff = firstLineDiff("stdout", recordedStdout, gotStdout)
	} else if !result.StderrMatches {
		result.FirstDiff = firstLineDiff("stderr", recordedStderr, gotStderr)
	}

	result.Success = result.StdoutMatches && result.StderrMatches && exitCode == 0
	return result, nil
}

func firstLineDiff(kind string, expected, actual []byte) *Diff {
	expLines := bytes.Split(expected, []byte("\n"))
	actLines := bytes.Split(actual, []byte("\n"))

	n := len(expLines)
	if len(actLines) < n {
		n = len(actLines)
	}
	for i := 0; i < n; i++ {
		if !bytes.Equal(expLines[i], actLines[i]) {
			return &Diff{Kind: kind, Line: i + 1, Expected: string(expLines[i]), Actual: string(actLines[i])}
		}
	}
	if len(expLines) != len(actLines) {
		return &Diff{Kind: kind, Line: n + 1, Expected: fmt.Sprintf("<%d lines>", len(expLines)), Actual: fmt.Sprintf("<%d lines>", len(actLines))}
	}
	return nil
}

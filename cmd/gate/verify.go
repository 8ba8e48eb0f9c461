package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/deterministic-agent-lab/gate/pkg/bundle"
	"github.com/deterministic-agent-lab/gate/pkg/replayverify"
)

// execRunner replays a bundle's command line through os/exec, rooted at the
// reconstructed filesystem. It does not enforce the recorded HAR against a
// sandbox/allowlist proxy during replay — that's left to a dedicated
// proxy process, never implemented here; this is the minimal Runner the
// CLI needs to exercise replayverify.Verify end to end.
type execRunner struct {
	argv []string
}

func (r execRunner) Run(ctx context.Context, cwd string, env map[string]interface{}, clock map[string]interface{}) ([]byte, []byte, int, error) {
	if len(r.argv) == 0 {
		return nil, nil, -1, fmt.Errorf("verify: no command configured")
	}
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return []byte(stdout.String()), []byte(stderr.String()), exitCode, err
}

// runVerifyCmd implements `gate verify --bundle <dir> --cmd "..."`:
// reconstructs the bundle's filesystem and replays its recorded command,
// diffing captured stdout/stderr against the bundle's recording. Exit code
// 4 signals a replay mismatch.
func runVerifyCmd(cfg config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundleDir := fs.String("bundle", "", "path to an extracted bundle directory (REQUIRED)")
	command := fs.String("cmd", "", "command line to replay, e.g. \"python agent.py\" (REQUIRED)")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bundleDir == "" || *command == "" {
		fmt.Fprintln(stderr, "Usage: gate verify --bundle <dir> --cmd <command> [--json]")
		return 2
	}

	b, err := bundle.Open(*bundleDir)
	if err != nil {
		fmt.Fprintf(stderr, "gate: open bundle: %v\n", err)
		return 1
	}
	if err := bundle.Validate(b); err != nil {
		fmt.Fprintf(stderr, "gate: bundle invalid: %v\n", err)
		return 1
	}

	workDir, err := os.MkdirTemp("", "gate-verify-*")
	if err != nil {
		fmt.Fprintf(stderr, "gate: create replay workdir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(workDir)

	runner := execRunner{argv: strings.Fields(*command)}
	result, err := replayverify.Verify(context.Background(), b, runner, filepath.Join(workDir, "root"))
	if err != nil {
		fmt.Fprintf(stderr, "gate: verify: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", " ")
		_ = enc.Encode(result)
	} else if result.Success {
		fmt.Fprintln(stdout, "replay verified: stdout and stderr match")
	} else {
		fmt.Fprintf(stdout, "replay mismatch: %+v\n", result.FirstDiff)
	}

	if !result.Success {
		return 4
	}
	return 0
}

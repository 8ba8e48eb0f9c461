package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/deterministic-agent-lab/gate/pkg/bundle"
)

// runBundleCmd implements `gate bundle describe <dir>`:
// printing a bundle's manifest and component hashes without a running
// server, the read-only counterpart to POST /bundles.
func runBundleCmd(cfg config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: gate bundle <describe> <dir>")
		return 2
	}

	switch args[0] {
	case "describe":
		return runBundleDescribe(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown bundle subcommand: %s\n", args[0])
		return 2
	}
}

func runBundleDescribe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle describe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Usage: gate bundle describe <extracted-bundle-dir>")
		return 2
	}
	dir := fs.Arg(0)

	b, err := bundle.Open(dir)
	if err != nil {
		fmt.Fprintf(stderr, "gate: open bundle: %v\n", err)
		return 1
	}
	if err := bundle.Validate(b); err != nil {
		fmt.Fprintf(stderr, "gate: bundle invalid: %v\n", err)
		return 1
	}
	hash, err := bundle.Hash(b)
	if err != nil {
		fmt.Fprintf(stderr, "gate: hash bundle: %v\n", err)
		return 1
	}

	out := struct {
		Hash string `json:"hash"`
		Manifest bundle.Manifest `json:"manifest"`
	}{Hash: hash, Manifest: b.Manifest}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", " ")
	_ = enc.Encode(out)
	return 0
}

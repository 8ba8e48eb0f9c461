package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/deterministic-agent-lab/gate/pkg/journal"
)

// runJournalCmd implements `gate journal ls|show`: inspection of the
// append-only Intent Journal without a running server.
func runJournalCmd(cfg config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: gate journal <ls|show> [flags]")
		return 2
	}

	switch args[0] {
	case "ls":
		return runJournalLs(cfg, args[1:], stdout, stderr)
	case "show":
		return runJournalShow(cfg, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown journal subcommand: %s\n", args[0])
		return 2
	}
}

func runJournalLs(cfg config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("journal ls", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("journal", filepath.Join(cfg.DataDir, "journal.jsonl"), "path to journal.jsonl")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	j, err := journal.Open(*path, nil)
	if err != nil {
		fmt.Fprintf(stderr, "gate: open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	for _, e := range j.Entries() {
		fmt.Fprintf(stdout, "%s %-10s %-16s %s\n", e.ID, e.Status, e.IntentType, e.IdempotencyKey)
	}
	return 0
}

func runJournalShow(cfg config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("journal show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("journal", filepath.Join(cfg.DataDir, "journal.jsonl"), "path to journal.jsonl")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Usage: gate journal show <entry-id> [--journal path]")
		return 2
	}
	id := fs.Arg(0)

	j, err := journal.Open(*path, nil)
	if err != nil {
		fmt.Fprintf(stderr, "gate: open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	for _, e := range j.Entries() {
		if e.ID == id {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", " ")
			_ = enc.Encode(e)
			return 0
		}
	}

	fmt.Fprintf(stderr, "gate: no journal entry %q\n", id)
	return 1
}

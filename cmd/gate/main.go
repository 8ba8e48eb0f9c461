package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the command dispatcher. Exit codes follow 0 success, 1
// generic error, 2 usage/policy denial, 3 approval required, 4 replay
// mismatch.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := loadConfigFromEnv()

	if len(args) < 2 {
		return runServe(cfg)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(cfg)
	case "journal":
		return runJournalCmd(cfg, args[2:], stdout, stderr)
	case "bundle":
		return runBundleCmd(cfg, args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(cfg, args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(cfg, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "gate: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "gate — deterministic-execution transaction gate")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, " gate <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "run the gate HTTP server (default)")
	printCommand(w, "journal ls", "list journal entries (--journal)")
	printCommand(w, "journal show", "show one journal entry by entry ID")
	printCommand(w, "bundle describe", "print a bundle's hash and manifest")
	printCommand(w, "verify", "replay a bundle's recorded command and diff stdout/stderr (--bundle, --cmd)")
	printCommand(w, "health", "check server health over HTTP")
	printCommand(w, "help", "show this help")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, " %-18s %s\n", name, desc)
}

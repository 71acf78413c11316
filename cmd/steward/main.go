// Command steward is the operator CLI for a Steward governance ledger.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = check failed (broken chain, invalid bundle)
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	switch args[1] {
	case "verify":
		return runVerifyCmd(cfg, args[2:], stdout, stderr)
	case "query":
		return runQueryCmd(cfg, args[2:], stdout, stderr)
	case "export":
		return runExportCmd(cfg, args[2:], stdout, stderr)
	case "verify-bundle":
		return runVerifyBundleCmd(args[2:], stdout, stderr)
	case "baseline":
		return runBaselineCmd(cfg, args[2:], stdout, stderr)
	case "clear-compromise":
		return runClearCompromiseCmd(cfg, args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(cfg, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: steward <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  verify            Verify the ledger hash chain from genesis")
	_, _ = fmt.Fprintln(w, "  query             Print ledger entries as JSON lines")
	_, _ = fmt.Fprintln(w, "  export            Write an evidence bundle")
	_, _ = fmt.Fprintln(w, "  verify-bundle     Verify an evidence bundle offline")
	_, _ = fmt.Fprintln(w, "  baseline          Establish a component baseline")
	_, _ = fmt.Fprintln(w, "  clear-compromise  Lift the compromised flag after review")
	_, _ = fmt.Fprintln(w, "  config            Print the effective configuration and profile")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "The ledger backend is selected by STEWARD_LEDGER_BACKEND.")
}

// openLedger opens the configured store and rebuilds the ledger from it.
func openLedger(ctx context.Context, cfg *config.Config) (*ledger.Ledger, func() error, error) {
	s, closeStore, err := store.Open(ctx, cfg.Ledger)
	if err != nil {
		return nil, closeStore, err
	}
	l, err := ledger.Open(ctx, s)
	if err != nil {
		_ = closeStore()
		return nil, func() error { return nil }, err
	}
	return l, closeStore, nil
}

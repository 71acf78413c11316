package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/steward"
)

func runVerifyCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	l, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	res, err := l.VerifyChain(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verify: %v\n", err)
		return 2
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Valid {
		_, _ = fmt.Fprintf(stdout, "Chain valid: %d entries\n", res.Entries)
	} else {
		_, _ = fmt.Fprintf(stdout, "Chain BROKEN at entry %d: %s\n", res.FirstBrokenIndex, res.Reason)
	}
	if !res.Valid {
		return 1
	}
	return 0
}

func runQueryCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("query", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		eventType string
		actor     string
		since     string
		limit     int
	)
	cmd.StringVar(&eventType, "event", "", "Filter by event type (e.g. actor.halted)")
	cmd.StringVar(&actor, "actor", "", "Filter by actor")
	cmd.StringVar(&since, "since", "", "Only entries at or after this RFC 3339 time")
	cmd.IntVar(&limit, "limit", 0, "Maximum entries (0 = default cap)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	filter := ledger.QueryFilter{Actor: actor, Limit: limit}
	if eventType != "" {
		et, err := contracts.ParseEventType(eventType)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		filter.EventType = et
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --since: %v\n", err)
			return 2
		}
		filter.Since = t
	}

	ctx := context.Background()
	l, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	entries, err := l.Query(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: query: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	return 0
}

func runExportCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		since string
		limit int
		out   string
	)
	cmd.StringVar(&since, "since", "", "Only entries at or after this RFC 3339 time")
	cmd.IntVar(&limit, "limit", 0, "Maximum entries (0 = default cap)")
	cmd.StringVar(&out, "out", "", "Output file (default stdout)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var from time.Time
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --since: %v\n", err)
			return 2
		}
		from = t
	}

	ctx := context.Background()
	l, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	bundle, err := l.Export(ctx, from, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return 2
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode bundle: %v\n", err)
		return 2
	}

	if out == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write bundle: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Exported %d entries (%d..%d) to %s\n", bundle.EntryCount, bundle.StartSeq, bundle.EndSeq, out)
	return 0
}

func runVerifyBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("bundle", "", "Path to evidence bundle JSON (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var bundle ledger.EvidenceBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse bundle: %v\n", err)
		return 2
	}
	if err := ledger.VerifyBundle(&bundle); err != nil {
		_, _ = fmt.Fprintf(stdout, "Bundle INVALID: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Bundle valid: %d entries, head %s\n", bundle.EntryCount, bundle.ChainHead)
	return 0
}

func runBaselineCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("baseline", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		component string
		latency   float64
		errorRate float64
		operator  string
	)
	cmd.StringVar(&component, "component", "", "Component id (REQUIRED)")
	cmd.Float64Var(&latency, "latency", 0, "Reference latency")
	cmd.Float64Var(&errorRate, "error-rate", 0, "Reference error rate (0-1)")
	cmd.StringVar(&operator, "operator", "", "Operator establishing the baseline (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	s, err := steward.New(ctx, steward.Options{Config: cfg})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = s.Close() }()

	b, err := s.EstablishBaseline(ctx, component, contracts.Metrics{Latency: latency, ErrorRate: errorRate}, operator)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Baseline established for %s (latency=%g error_rate=%g)\n",
		b.ComponentID, b.Metrics.Latency, b.Metrics.ErrorRate)
	return 0
}

func runClearCompromiseCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("clear-compromise", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	operator := cmd.String("operator", "", "Operator clearing the flag (REQUIRED)")
	reason := cmd.String("reason", "", "Why the chain is trusted again")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	l, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	entry, err := l.ClearCompromised(ctx, *operator, *reason)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, contracts.ErrChainCompromised) {
			return 1
		}
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Compromise cleared by %s (entry %d)\n", entry.Actor, entry.Sequence)
	return 0
}

func runConfigCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	profilePath := cmd.String("profile", cfg.ProfilePath, "Governance profile YAML")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	profile := config.DefaultProfile()
	if *profilePath != "" {
		p, err := config.LoadProfile(*profilePath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		profile = p
	}

	shown := *cfg
	if shown.RedisPassword != "" {
		shown.RedisPassword = "<redacted>"
	}
	if shown.Ledger.DatabaseURL != "" {
		shown.Ledger.DatabaseURL = "<redacted>"
	}

	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	if err := enc.Encode(map[string]any{"environment": shown, "profile": profile}); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/store"
)

// seedLedger writes n entries to a JSONL ledger and points the CLI at it.
func seedLedger(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	t.Setenv("STEWARD_LEDGER_BACKEND", store.BackendFile)
	t.Setenv("STEWARD_LEDGER_PATH", path)
	t.Setenv("STEWARD_NOTIFY", "log")
	t.Setenv("STEWARD_BASELINE_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "ERROR")

	fs, err := store.OpenFile(path)
	require.NoError(t, err)
	l := ledger.New(fs)
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), contracts.EventActionRecorded, "agent", "app.py", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, fs.Close())
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"steward"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage: steward")

	code, _, stderr = run("launch")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: launch")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "verify-bundle")
}

func TestVerifyCmd(t *testing.T) {
	path := seedLedger(t, 3)

	code, stdout, _ := run("verify")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Chain valid: 3 entries")

	code, stdout, _ = run("verify", "--json")
	assert.Equal(t, 0, code)
	var res ledger.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Valid)

	// Rewrite the actor on the second line without fixing its hash.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitN(string(data), "\n", 3)
	lines[1] = strings.ReplaceAll(lines[1], `"actor":"agent"`, `"actor":"mallory"`)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	code, stdout, _ = run("verify")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Chain BROKEN at entry 2")

	code, _, stderr := run("clear-compromise", "--operator", "ops")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "still broken")
}

func TestQueryCmd(t *testing.T) {
	seedLedger(t, 4)

	code, stdout, _ := run("query", "--event", "action.recorded", "--limit", "2")
	assert.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	var e ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	assert.EqualValues(t, 1, e.Sequence)

	code, _, stderr := run("query", "--event", "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown event type")

	code, _, _ = run("query", "--since", "yesterday")
	assert.Equal(t, 2, code)
}

func TestExportAndVerifyBundle(t *testing.T) {
	seedLedger(t, 5)
	out := filepath.Join(t.TempDir(), "bundle.json")

	code, stdout, _ := run("export", "--out", out)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Exported 5 entries (1..5)")

	code, stdout, _ = run("verify-bundle", "--bundle", out)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Bundle valid: 5 entries")

	var bundle ledger.EvidenceBundle
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &bundle))
	bundle.Entries[2].Actor = "mallory"
	data, err = json.Marshal(bundle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(out, data, 0o600))

	code, stdout, _ = run("verify-bundle", "--bundle", out)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Bundle INVALID")

	code, _, _ = run("verify-bundle")
	assert.Equal(t, 2, code)
}

func TestBaselineCmd(t *testing.T) {
	seedLedger(t, 1)

	code, stdout, stderr := run("baseline", "--component", "ranker", "--latency", "120", "--error-rate", "0.01", "--operator", "ops")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Baseline established for ranker")

	code, stdout, _ = run("query", "--event", "baseline.established")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "ranker")

	code, _, _ = run("baseline", "--component", "ranker")
	assert.Equal(t, 2, code, "operator is required")
}

func TestConfigCmd(t *testing.T) {
	seedLedger(t, 0)
	t.Setenv("REDIS_PASSWORD", "hunter2")

	code, stdout, _ := run("config")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "threshold: 15")
	assert.Contains(t, stdout, "<redacted>")
	assert.NotContains(t, stdout, "hunter2")

	profile := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("version: 3.0.0\n"), 0o600))
	code, _, stderr := run("config", "--profile", profile)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "does not satisfy")
}

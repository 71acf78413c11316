// Package runner provides concrete collaborators backed by the local
// machine: command-line lint and test runners, an HTTP health source and a
// filesystem resource reader.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

const maxReportedErrors = 50

// CommandLinter runs Command Args... resources... and treats exit status 0 as a pass.
type CommandLinter struct {
	Command string
	Args    []string
	Dir     string
}

// Lint implements contracts.LintRunner.
func (l *CommandLinter) Lint(ctx context.Context, resources []string) (contracts.LintResult, error) {
	if l.Command == "" {
		return contracts.LintResult{}, fmt.Errorf("lint command is not configured")
	}
	args := append(append([]string(nil), l.Args...), resources...)
	cmd := exec.CommandContext(ctx, l.Command, args...) //nolint:gosec // operator-configured command
	cmd.Dir = l.Dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return contracts.LintResult{Passed: true}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || ctx.Err() != nil {
		return contracts.LintResult{}, fmt.Errorf("run lint: %w", err)
	}
	errs := nonEmptyLines(out, maxReportedErrors)
	if len(errs) == 0 {
		errs = []string{exitErr.Error()}
	}
	return contracts.LintResult{Passed: false, Errors: errs}, nil
}

// CommandTestRunner runs a test command through a shell. The touched
// resources are exported as STEWARD_RESOURCES (newline separated).
type CommandTestRunner struct {
	Shell []string
	Dir   string
}

// NewCommandTestRunner uses "sh -c".
func NewCommandTestRunner(dir string) *CommandTestRunner {
	return &CommandTestRunner{Shell: []string{"sh", "-c"}, Dir: dir}
}

var (
	goPassRe    = regexp.MustCompile(`(?m)^\s*--- PASS:`)
	goFailRe    = regexp.MustCompile(`(?m)^\s*--- FAIL:`)
	summaryPass = regexp.MustCompile(`(\d+) passed`)
	summaryFail = regexp.MustCompile(`(\d+) failed`)
)

const maxOutputLen = 64 * 1024

// Run implements contracts.TestRunner.
func (r *CommandTestRunner) Run(ctx context.Context, command string, resources []string) (contracts.TestResult, error) {
	if strings.TrimSpace(command) == "" {
		return contracts.TestResult{}, fmt.Errorf("test command is empty")
	}
	shell := r.Shell
	if len(shell) == 0 {
		shell = []string{"sh", "-c"}
	}
	args := append(append([]string(nil), shell[1:]...), command)
	cmd := exec.CommandContext(ctx, shell[0], args...) //nolint:gosec // operator-configured command
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "STEWARD_RESOURCES="+strings.Join(resources, "\n"))
	out, err := cmd.CombinedOutput()

	exitOK := err == nil
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return contracts.TestResult{}, fmt.Errorf("run tests: %w", err)
		}
	}

	res := ParseTestOutput(out, exitOK)
	if len(out) > maxOutputLen {
		out = out[len(out)-maxOutputLen:]
	}
	res.Output = string(out)
	return res, nil
}

// ParseTestOutput derives counts from go test -v or "N passed, M failed"
// summaries. Without recognisable counts the run counts as one test that
// failed unless the command exited zero.
func ParseTestOutput(out []byte, exitOK bool) contracts.TestResult {
	passed := len(goPassRe.FindAll(out, -1))
	failed := len(goFailRe.FindAll(out, -1))
	if passed == 0 && failed == 0 {
		passed = lastCount(summaryPass, out)
		failed = lastCount(summaryFail, out)
	}
	if !exitOK && failed == 0 {
		failed = 1
	}
	total := passed + failed
	if total == 0 {
		total = 1
	}
	return contracts.TestResult{Passed: exitOK && failed == 0, Total: total, Failed: failed}
}

func lastCount(re *regexp.Regexp, out []byte) int {
	m := re.FindAllSubmatch(out, -1)
	if len(m) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(string(m[len(m)-1][1]))
	return n
}

func nonEmptyLines(out []byte, limit int) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" {
			lines = append(lines, t)
			if len(lines) == limit {
				break
			}
		}
	}
	return lines
}

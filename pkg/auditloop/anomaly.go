package auditloop

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Heuristic names reported in anomaly findings.
const (
	HeuristicRepetition    = "repetition"
	HeuristicNonsenseIdent = "nonsense_identifiers"
	HeuristicContradiction = "contradiction"
	HeuristicUnreadable    = "unreadable"
)

// Heuristic limits. A finding is raised when a count exceeds its limit.
const (
	minTrivialLen      = 10
	repetitionLimit    = 5
	identMinLen        = 20
	nonsenseLimit      = 3
	contradictionLimit = 2
)

var (
	identToken = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	lowerIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

	// if <cond>: return <value>, plus the brace and one-line C forms.
	guardReturn = []*regexp.Regexp{
		regexp.MustCompile(`^if\s+(.+?)\s*:\s*return\b\s*(.*)$`),
		regexp.MustCompile(`^if\s*\((.+)\)\s*\{?\s*return\b\s*(.*?)[;}\s]*$`),
		regexp.MustCompile(`^if\s+(.+?)\s*\{\s*return\b\s*(.*?)\s*\}?$`),
	}
)

// Scan applies the repetition, nonsense-identifier and contradiction
// heuristics to one resource.
func Scan(resource string, data []byte) []contracts.AnomalyFinding {
	lines := splitLines(data)
	var findings []contracts.AnomalyFinding

	if n, sample := countRepetition(lines); n > repetitionLimit {
		findings = append(findings, contracts.AnomalyFinding{
			Resource:  resource,
			Heuristic: HeuristicRepetition,
			Count:     n,
			Detail:    fmt.Sprintf("consecutive duplicate line %q", truncate(sample, 80)),
		})
	}
	if n, idents := nonsenseIdentifiers(lines); n > nonsenseLimit {
		findings = append(findings, contracts.AnomalyFinding{
			Resource:  resource,
			Heuristic: HeuristicNonsenseIdent,
			Count:     n,
			Detail:    strings.Join(idents[:min(len(idents), 5)], ", "),
		})
	}
	if cond, n := repeatedGuard(lines); n > contradictionLimit {
		findings = append(findings, contracts.AnomalyFinding{
			Resource:  resource,
			Heuristic: HeuristicContradiction,
			Count:     n,
			Detail:    fmt.Sprintf("condition %q guards %d returns", truncate(cond, 80), n),
		})
	}
	return findings
}

// splitLines splits on newlines without a line length limit.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	raw := bytes.Split(bytes.TrimSuffix(data, []byte("\n")), []byte("\n"))
	lines := make([]string, len(raw))
	for i, line := range raw {
		lines[i] = string(bytes.TrimSuffix(line, []byte("\r")))
	}
	return lines
}

// countRepetition counts non-trivial lines identical to the line before
// them and returns the line with the longest run.
func countRepetition(lines []string) (int, string) {
	total, run, best := 0, 0, 0
	var prev, sample string
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if len(line) <= minTrivialLen {
			prev, run = "", 0
			continue
		}
		if line == prev {
			total++
			run++
			if run > best {
				best, sample = run, line
			}
			continue
		}
		prev, run = line, 0
	}
	return total, sample
}

// nonsenseIdentifiers counts every occurrence of an all-lowercase
// identifier token of at least identMinLen characters and returns the
// distinct tokens, sorted.
func nonsenseIdentifiers(lines []string) (int, []string) {
	n := 0
	seen := make(map[string]struct{})
	for _, line := range lines {
		for _, tok := range identToken.FindAllString(line, -1) {
			if len(tok) >= identMinLen && lowerIdent.MatchString(tok) {
				n++
				seen[tok] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return n, out
}

// repeatedGuard groups guard-and-return lines by condition and returns the
// most repeated condition with its count. Ties go to the first in order.
func repeatedGuard(lines []string) (string, int) {
	counts := make(map[string]int)
	var order []string
	for _, raw := range lines {
		cond, ok := guardCondition(strings.TrimSpace(raw))
		if !ok {
			continue
		}
		if counts[cond] == 0 {
			order = append(order, cond)
		}
		counts[cond]++
	}
	best, bestN := "", 0
	for _, c := range order {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	return best, bestN
}

func guardCondition(line string) (string, bool) {
	for _, re := range guardReturn {
		if m := re.FindStringSubmatch(line); m != nil {
			return strings.Join(strings.Fields(m[1]), " "), true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

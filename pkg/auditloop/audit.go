package auditloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/steward/pkg/baseline"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/resiliency"
)

var tracer = otel.Tracer("github.com/Mindburn-Labs/steward/pkg/auditloop")

// runAudit executes the five phases against cycle and then archives the
// cycle. The caller must have claimed the audit slot.
func (l *Loop) runAudit(ctx context.Context, cycle *contracts.Cycle) (*contracts.Cycle, error) {
	start := l.clock()
	ctx, span := tracer.Start(ctx, "audit", trace.WithAttributes(
		attribute.Int64("steward.cycle_number", int64(cycle.CycleNumber)),
		attribute.Int("steward.actions", len(cycle.Actions)),
	))
	defer span.End()
	l.logger.Info("audit started", "cycle", cycle.CycleNumber, "actions", len(cycle.Actions))

	resources := union(cycle.Actions, func(a contracts.Action) []string { return a.ResourcesTouched })

	l.phase(ctx, "regression", func(ctx context.Context) {
		cycle.RegressionPassed, cycle.RegressionOutput = l.checkRegression(ctx, resources)
	})
	l.phase(ctx, "drift", func(ctx context.Context) {
		cycle.Drift = l.checkDrift(ctx, cycle.Actions)
		cycle.DriftOK = len(cycle.Drift) == 0
	})
	l.phase(ctx, "anomaly", func(ctx context.Context) {
		cycle.Anomalies = l.checkAnomalies(ctx, resources)
		cycle.AnomalyDetected = len(cycle.Anomalies) > 0
	})
	l.phase(ctx, "retrospective", func(context.Context) {
		cycle.Retrospective = Retrospective(cycle)
	})
	l.phase(ctx, "review", func(ctx context.Context) {
		cycle.ApprovedToContinue, cycle.Reviewed, cycle.ReviewNote = l.decide(ctx, cycle)
	})

	done, err := l.finish(ctx, cycle)
	elapsed := l.clock().Sub(start)
	span.SetAttributes(attribute.Bool("steward.approved_to_continue", done.ApprovedToContinue))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if l.hooks != nil {
		l.hooks.AuditCompleted(done.ApprovedToContinue, elapsed)
	}
	l.logger.Info("audit complete",
		"cycle", done.CycleNumber,
		"approved_to_continue", done.ApprovedToContinue,
		"regression_passed", done.RegressionPassed,
		"drift_ok", done.DriftOK,
		"anomaly_detected", done.AnomalyDetected,
		"duration", elapsed,
	)
	return done, err
}

func (l *Loop) phase(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx, span := tracer.Start(ctx, "audit."+name)
	defer span.End()
	fn(ctx)
}

func (l *Loop) checkRegression(ctx context.Context, resources []string) (bool, string) {
	if len(resources) == 0 {
		return true, "no resources touched"
	}
	res, err := resiliency.Call(ctx, l.tests, func(ctx context.Context) (contracts.TestResult, error) {
		return l.deps.Tests.Run(ctx, l.cfg.RegressionCommand, resources)
	})
	if err != nil {
		return false, err.Error()
	}
	return res.Passed && res.Failed == 0, res.Output
}

func (l *Loop) checkDrift(ctx context.Context, actions []contracts.Action) []contracts.DriftFinding {
	var findings []contracts.DriftFinding

	for _, component := range union(actions, func(a contracts.Action) []string { return a.Components }) {
		b, ok, err := l.deps.Baselines.Get(ctx, component)
		if err != nil {
			findings = append(findings, contracts.DriftFinding{Component: component, Reason: "baseline lookup failed: " + err.Error()})
			continue
		}
		if !ok {
			l.logger.Warn("no baseline for component; drift check skipped", "component", component)
			continue
		}
		if l.deps.Health == nil {
			findings = append(findings, contracts.DriftFinding{Component: component, Reason: "no health source configured"})
			continue
		}
		report, err := resiliency.Call(ctx, l.health, func(ctx context.Context) (contracts.HealthReport, error) {
			return l.deps.Health.Health(ctx, component)
		})
		switch {
		case err != nil:
			findings = append(findings, contracts.DriftFinding{Component: component, Reason: "health check failed: " + err.Error()})
		case !report.Found:
			findings = append(findings, contracts.DriftFinding{Component: component, Reason: "not reported by health source"})
		default:
			if f, drifted := baseline.Compare(b, report.Metrics, l.cfg.Drift); drifted {
				findings = append(findings, f)
			}
		}
	}

	for _, adapter := range union(actions, func(a contracts.Action) []string { return a.ModelAdapters }) {
		for _, v := range l.deps.Gatekeeper.VerifyModelContracts(ctx, []string{adapter}) {
			findings = append(findings, contracts.DriftFinding{Component: adapter, Reason: "model contract: " + v})
		}
	}
	return findings
}

func (l *Loop) checkAnomalies(ctx context.Context, resources []string) []contracts.AnomalyFinding {
	if len(resources) == 0 {
		return nil
	}
	if l.deps.Resources == nil {
		l.logger.Warn("no resource reader configured; anomaly scan skipped")
		return nil
	}
	var findings []contracts.AnomalyFinding
	for _, r := range resources {
		data, err := l.deps.Resources.Read(ctx, r)
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("touched resource is gone; anomaly scan skipped", "resource", r)
			continue
		}
		if err != nil {
			findings = append(findings, contracts.AnomalyFinding{Resource: r, Heuristic: HeuristicUnreadable, Count: 1, Detail: err.Error()})
			continue
		}
		findings = append(findings, Scan(r, data)...)
	}
	return findings
}

func (l *Loop) decide(ctx context.Context, cycle *contracts.Cycle) (approved, reviewed bool, note string) {
	proposed := cycle.RegressionPassed && cycle.DriftOK && !cycle.AnomalyDetected
	if l.deps.Reviewer == nil {
		return proposed, false, ""
	}
	type verdict struct {
		approved bool
		note     string
	}
	snapshot := cycle.Clone()
	v, err := resiliency.Call(ctx, l.review, func(ctx context.Context) (verdict, error) {
		ok, note, err := l.deps.Reviewer.Review(ctx, snapshot, proposed)
		return verdict{ok, note}, err
	})
	if err != nil {
		return false, true, "review failed: " + err.Error()
	}
	return v.approved, true, v.note
}

// finish archives the cycle, opens the next one and releases the audit slot.
// A rejected cycle or a failed ledger write halts the actor before any
// waiting recorder can proceed.
func (l *Loop) finish(ctx context.Context, cycle *contracts.Cycle) (*contracts.Cycle, error) {
	now := l.clock().UTC()
	cycle.State = contracts.CycleArchived
	cycle.ClosedAt = &now

	entry, ledgerErr := l.deps.Ledger.Append(ctx, contracts.EventAuditCycleComplete, "auditloop", "", cyclePayload(cycle))
	if ledgerErr == nil {
		cycle.LedgerEntryID = entry.EntryID
	}

	var haltReason string
	switch {
	case ledgerErr != nil:
		haltReason = fmt.Sprintf("audit of cycle %d could not be recorded: %v", cycle.CycleNumber, ledgerErr)
	case !cycle.ApprovedToContinue:
		haltReason = rejectionReason(cycle)
	}

	l.mu.Lock()
	newlyHalted := haltReason != "" && l.setHalted(haltReason)
	l.history = append(l.history, cycle.Clone())
	if over := len(l.history) - l.cfg.HistoryLimit; over > 0 {
		l.history = append([]*contracts.Cycle(nil), l.history[over:]...)
	}
	l.auditsRun++
	l.sinceLastAudit = 0
	l.current = l.openCycle(cycle.CycleNumber + 1)
	l.auditing = false
	l.idle.Broadcast()
	l.mu.Unlock()

	l.publish(ctx, contracts.EventAuditCycleComplete, map[string]any{
		"cycle_id":             cycle.CycleID,
		"cycle_number":         cycle.CycleNumber,
		"approved_to_continue": cycle.ApprovedToContinue,
		"retrospective":        cycle.Retrospective,
	})
	if newlyHalted {
		l.recordHalt(ctx, haltReason, cycle.CycleNumber)
	}

	if ledgerErr != nil {
		return cycle, ledgerErr
	}
	return cycle, nil
}

func rejectionReason(c *contracts.Cycle) string {
	var failed []string
	if !c.RegressionPassed {
		failed = append(failed, "regression failed")
	}
	if !c.DriftOK {
		failed = append(failed, fmt.Sprintf("%d component(s) drifted", len(c.Drift)))
	}
	if c.AnomalyDetected {
		failed = append(failed, fmt.Sprintf("%d anomaly finding(s)", len(c.Anomalies)))
	}
	if len(failed) == 0 {
		failed = append(failed, "reviewer rejected")
		if c.ReviewNote != "" {
			failed[0] += ": " + c.ReviewNote
		}
	}
	return fmt.Sprintf("audit of cycle %d rejected: %s", c.CycleNumber, strings.Join(failed, "; "))
}

func cyclePayload(c *contracts.Cycle) map[string]any {
	drift := make([]map[string]any, 0, len(c.Drift))
	for _, d := range c.Drift {
		drift = append(drift, map[string]any{"component": d.Component, "reason": d.Reason})
	}
	anomalies := make([]map[string]any, 0, len(c.Anomalies))
	for _, a := range c.Anomalies {
		anomalies = append(anomalies, map[string]any{"resource": a.Resource, "heuristic": a.Heuristic, "count": a.Count})
	}
	actionIDs := make([]string, 0, len(c.Actions))
	for _, a := range c.Actions {
		actionIDs = append(actionIDs, a.ActionID)
	}
	return map[string]any{
		"cycle_id":             c.CycleID,
		"cycle_number":         c.CycleNumber,
		"action_ids":           actionIDs,
		"metrics":              c.Metrics,
		"regression_passed":    c.RegressionPassed,
		"drift_ok":             c.DriftOK,
		"drift":                drift,
		"anomaly_detected":     c.AnomalyDetected,
		"anomalies":            anomalies,
		"retrospective":        c.Retrospective,
		"reviewed":             c.Reviewed,
		"review_note":          c.ReviewNote,
		"approved_to_continue": c.ApprovedToContinue,
	}
}

// Retrospective renders a deterministic summary of an audited cycle.
func Retrospective(c *contracts.Cycle) string {
	m := c.Metrics
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle %d: %d actions over %d resources (+%d/-%d units).\n",
		c.CycleNumber, m.Actions, m.ResourcesTouched, m.UnitsAdded, m.UnitsRemoved)
	fmt.Fprintf(&b, "Tests reported: %d/%d passed; %d actions failed verification.\n",
		m.TestsPassed, m.TestsRun, m.VerificationFailures)

	if c.RegressionPassed {
		b.WriteString("Regression: passed.\n")
	} else {
		b.WriteString("Regression: FAILED.\n")
	}

	if c.DriftOK {
		b.WriteString("Drift: none.\n")
	} else {
		parts := make([]string, 0, len(c.Drift))
		for _, d := range c.Drift {
			parts = append(parts, d.Component+" ("+d.Reason+")")
		}
		fmt.Fprintf(&b, "Drift: %s.\n", strings.Join(parts, ", "))
	}

	if !c.AnomalyDetected {
		b.WriteString("Anomalies: none.")
	} else {
		parts := make([]string, 0, len(c.Anomalies))
		for _, a := range c.Anomalies {
			parts = append(parts, fmt.Sprintf("%s %s x%d", a.Resource, a.Heuristic, a.Count))
		}
		fmt.Fprintf(&b, "Anomalies: %s.", strings.Join(parts, ", "))
	}
	return b.String()
}

// setHalted raises the halt flag and reports whether it was newly raised.
// Callers record a new halt with recordHalt.
func (l *Loop) setHalted(reason string) bool {
	l.haltMu.Lock()
	defer l.haltMu.Unlock()
	if l.halted {
		return false
	}
	l.halted = true
	l.haltReason = reason
	return true
}

func (l *Loop) recordHalt(ctx context.Context, reason string, cycleNumber uint64) {
	if _, err := l.deps.Ledger.Append(ctx, contracts.EventActorHalted, "auditloop", "", map[string]any{
		"reason":       reason,
		"cycle_number": cycleNumber,
	}); err != nil {
		l.logger.Error("failed to record halt", "error", err)
	}
	if l.hooks != nil {
		l.hooks.ActorHalted()
	}
	l.logger.Warn("actor halted", "reason", reason, "cycle", cycleNumber)
	l.publish(ctx, contracts.EventActorHalted, map[string]any{"reason": reason, "cycle_number": cycleNumber})
}

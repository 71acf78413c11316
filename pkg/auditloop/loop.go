// Package auditloop batches recorded actions into cycles and audits every
// cycle once it reaches the configured size. A rejected audit halts the
// actor until an operator resumes it.
//
// Cycle state, the halt flag and the audit slot are guarded separately and
// none of these locks is held while a collaborator is being called.
package auditloop

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/baseline"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/resiliency"
)

// ErrAuditInProgress is returned by TriggerAudit when another audit is running.
var ErrAuditInProgress = errors.New("auditloop: audit already in progress")

const (
	DefaultThreshold    = 15
	DefaultHistoryLimit = 64
)

// Gatekeeper is the part of the gatekeeper the loop depends on.
type Gatekeeper interface {
	GetIntent(intentID string) (*contracts.Intent, error)
	VerifyModelContracts(ctx context.Context, adapters []string) []string
}

// ResourceReader returns the textual content of a touched resource. A
// missing resource is reported with an error wrapping os.ErrNotExist.
type ResourceReader interface {
	Read(ctx context.Context, resource string) ([]byte, error)
}

// Reviewer may override the default audit decision.
type Reviewer interface {
	Review(ctx context.Context, cycle *contracts.Cycle, proposed bool) (approved bool, note string, err error)
}

// Hooks observes loop outcomes.
type Hooks interface {
	ActionRecorded()
	AuditCompleted(approved bool, duration time.Duration)
	ActorHalted()
}

// Config tunes the loop.
type Config struct {
	Threshold         int
	HistoryLimit      int
	RegressionCommand string
	Drift             baseline.Thresholds
	Tests             resiliency.Policy
	Health            resiliency.Policy
	Review            resiliency.Policy
}

// DefaultConfig returns a 15-action cycle with default drift thresholds.
func DefaultConfig() Config {
	tests := resiliency.DefaultPolicy()
	tests.Timeout = 10 * time.Minute
	health := resiliency.DefaultPolicy()
	health.Timeout = 5 * time.Second
	return Config{
		Threshold:         DefaultThreshold,
		HistoryLimit:      DefaultHistoryLimit,
		RegressionCommand: "go test ./...",
		Drift:             baseline.DefaultThresholds(),
		Tests:             tests,
		Health:            health,
		Review:            resiliency.DefaultPolicy(),
	}
}

// Deps are the collaborators of the loop. Notifier and Reviewer are optional.
type Deps struct {
	Ledger     *ledger.Ledger
	Gatekeeper Gatekeeper
	Baselines  baseline.Store
	Health     contracts.HealthSource
	Tests      contracts.TestRunner
	Resources  ResourceReader
	Notifier   contracts.Notifier
	Reviewer   Reviewer
}

// Loop is the audit loop.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Loop struct {
	mu             sync.Mutex
	idle           *sync.Cond // signalled when an audit finishes
	current        *contracts.Cycle
	sinceLastAudit int
	auditing       bool
	history        []*contracts.Cycle
	auditsRun      int

	haltMu     sync.RWMutex
	halted     bool
	haltReason string

	cfg    Config
	deps   Deps
	tests  *resiliency.Caller
	health *resiliency.Caller
	review *resiliency.Caller
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
	hooks  Hooks
}

// New creates a loop with cycle 1 open.
func New(deps Deps, cfg Config) (*Loop, error) {
	if deps.Ledger == nil || deps.Gatekeeper == nil || deps.Baselines == nil || deps.Tests == nil {
		return nil, errors.New("auditloop: ledger, gatekeeper, baselines and test runner are required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	l := &Loop{
		cfg:    cfg,
		deps:   deps,
		tests:  resiliency.NewCaller("regression", cfg.Tests),
		health: resiliency.NewCaller("health", cfg.Health),
		review: resiliency.NewCaller("review", cfg.Review),
		clock:  time.Now,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "auditloop"),
	}
	l.idle = sync.NewCond(&l.mu)
	l.current = l.openCycle(1)
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	l.mu.Lock()
	l.current.OpenedAt = clock().UTC()
	l.mu.Unlock()
	return l
}

// WithLogger sets the logger.
func (l *Loop) WithLogger(logger *slog.Logger) *Loop {
	l.logger = logger
	return l
}

// WithHooks registers outcome hooks.
func (l *Loop) WithHooks(h Hooks) *Loop {
	l.hooks = h
	return l
}

// WithSleep overrides the retry backoff sleep of every collaborator caller.
func (l *Loop) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Loop {
	for _, c := range []*resiliency.Caller{l.tests, l.health, l.review} {
		c.WithSleep(fn)
	}
	return l
}

func (l *Loop) openCycle(number uint64) *contracts.Cycle {
	return &contracts.Cycle{
		CycleID:     l.newID(),
		CycleNumber: number,
		State:       contracts.CycleOpen,
		OpenedAt:    l.clock().UTC(),
	}
}

// Halted reports the halt flag and its reason.
func (l *Loop) Halted() (bool, string) {
	l.haltMu.RLock()
	defer l.haltMu.RUnlock()
	return l.halted, l.haltReason
}

func (l *Loop) haltedError() error {
	if halted, reason := l.Halted(); halted {
		return contracts.NewError(contracts.KindActorHalted, "audit", "%s", reason)
	}
	return nil
}

// RecordAction logs a completed action and appends it to the open cycle.
// When the cycle reaches the threshold the audit runs before RecordAction
// returns; any audit failure is returned alongside the recorded action.
// Calls that arrive while an audit runs wait for it and land in the next cycle.
func (l *Loop) RecordAction(ctx context.Context, rep contracts.ActionReport) (*contracts.Action, error) {
	if err := contracts.ValidateActionReport(rep); err != nil {
		return nil, err
	}
	if err := l.haltedError(); err != nil {
		return nil, err
	}
	intent, err := l.deps.Gatekeeper.GetIntent(rep.IntentID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil, contracts.NewError(contracts.KindIntentNotApproved, "intent", "intent %s is unknown", rep.IntentID)
		}
		return nil, err
	}
	if !intent.Approved {
		return nil, contracts.NewError(contracts.KindIntentNotApproved, "intent", "intent %s is pending approval", rep.IntentID)
	}

	l.mu.Lock()
	for l.auditing {
		l.idle.Wait()
	}
	if err := l.haltedError(); err != nil {
		l.mu.Unlock()
		return nil, err
	}

	cycle := l.current
	entry, err := l.deps.Ledger.Append(ctx, contracts.EventActionRecorded, rep.Actor, strings.Join(rep.ResourcesTouched, ","), map[string]any{
		"action_type":         rep.ActionType,
		"intent_id":           rep.IntentID,
		"resources_touched":   rep.ResourcesTouched,
		"components":          rep.Components,
		"model_adapters":      rep.ModelAdapters,
		"size_delta":          rep.SizeDelta,
		"tests_run":           rep.TestsRun,
		"tests_passed":        rep.TestsPassed,
		"verification_passed": rep.VerificationPassed,
		"cycle_number":        cycle.CycleNumber,
	}, ledger.WithTier(intent.Tier))
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	action := contracts.Action{
		ActionID:           l.newID(),
		ActionType:         rep.ActionType,
		IntentID:           rep.IntentID,
		Actor:              rep.Actor,
		ResourcesTouched:   append([]string(nil), rep.ResourcesTouched...),
		Components:         append([]string(nil), rep.Components...),
		ModelAdapters:      append([]string(nil), rep.ModelAdapters...),
		SizeDelta:          rep.SizeDelta,
		TestsRun:           rep.TestsRun,
		TestsPassed:        rep.TestsPassed,
		VerificationPassed: rep.VerificationPassed,
		LedgerEntryID:      entry.EntryID,
		CycleNumber:        cycle.CycleNumber,
		RecordedAt:         entry.Timestamp,
	}
	cycle.Actions = append(cycle.Actions, action)
	cycle.Metrics = aggregate(cycle.Actions)
	l.sinceLastAudit++
	since := l.sinceLastAudit

	var snapshot *contracts.Cycle
	if l.sinceLastAudit >= l.cfg.Threshold {
		snapshot = l.beginAuditLocked()
	}
	l.mu.Unlock()

	if l.hooks != nil {
		l.hooks.ActionRecorded()
	}
	l.logger.Debug("action recorded", "action_id", action.ActionID, "cycle", action.CycleNumber, "since_last_audit", since)

	out := action
	if snapshot != nil {
		if _, err := l.runAudit(ctx, snapshot); err != nil {
			return &out, err
		}
	}
	return &out, nil
}

// TriggerAudit audits the open cycle now. A call made while another audit
// is running does nothing and returns ErrAuditInProgress.
func (l *Loop) TriggerAudit(ctx context.Context) (*contracts.Cycle, error) {
	l.mu.Lock()
	if l.auditing {
		l.mu.Unlock()
		l.logger.Warn("audit already in progress; trigger ignored")
		return nil, ErrAuditInProgress
	}
	snapshot := l.beginAuditLocked()
	l.mu.Unlock()
	return l.runAudit(ctx, snapshot)
}

func (l *Loop) beginAuditLocked() *contracts.Cycle {
	l.auditing = true
	l.current.State = contracts.CycleAuditing
	return l.current.Clone()
}

// Resume clears the halt flag.
func (l *Loop) Resume(ctx context.Context, operator string) error {
	if operator == "" {
		return contracts.NewError(contracts.KindValidation, "operator", "operator is required")
	}
	l.haltMu.Lock()
	if !l.halted {
		l.haltMu.Unlock()
		return contracts.NewError(contracts.KindValidation, "resume", "actor is not halted")
	}
	reason := l.haltReason
	if _, err := l.deps.Ledger.Append(ctx, contracts.EventActorResumed, operator, "", map[string]any{
		"previous_reason": reason,
	}); err != nil {
		l.haltMu.Unlock()
		return err
	}
	l.halted = false
	l.haltReason = ""
	l.haltMu.Unlock()

	l.logger.Info("actor resumed", "operator", operator, "previous_reason", reason)
	l.publish(ctx, contracts.EventActorResumed, map[string]any{"operator": operator, "previous_reason": reason})
	return nil
}

func (l *Loop) publish(ctx context.Context, ev contracts.EventType, payload map[string]any) {
	if l.deps.Notifier == nil {
		return
	}
	if err := l.deps.Notifier.Publish(ctx, ev, payload); err != nil {
		l.logger.Warn("notification failed", "event_type", ev, "error", err)
	}
}

// Status returns a point-in-time view of the loop.
func (l *Loop) Status() contracts.CycleStatus {
	l.mu.Lock()
	st := contracts.CycleStatus{
		CycleID:        l.current.CycleID,
		CycleNumber:    l.current.CycleNumber,
		State:          l.current.State,
		ActionsInCycle: len(l.current.Actions),
		SinceLastAudit: l.sinceLastAudit,
		Threshold:      l.cfg.Threshold,
		AuditsRun:      l.auditsRun,
	}
	if n := len(l.history); n > 0 {
		st.LastAudit = l.history[n-1].Clone()
	}
	l.mu.Unlock()

	st.Halted, st.HaltReason = l.Halted()
	return st
}

// History returns archived cycles, oldest first.
func (l *Loop) History() []*contracts.Cycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*contracts.Cycle, len(l.history))
	for i, c := range l.history {
		out[i] = c.Clone()
	}
	return out
}

// EstablishBaseline overwrites the baseline for a component. It is an
// operator action and is never invoked by the loop itself.
func (l *Loop) EstablishBaseline(ctx context.Context, componentID string, m contracts.Metrics, operator string) (contracts.Baseline, error) {
	if componentID == "" || operator == "" {
		return contracts.Baseline{}, contracts.NewError(contracts.KindValidation, "baseline", "component id and operator are required")
	}
	b := contracts.Baseline{
		ComponentID:   componentID,
		Metrics:       m,
		EstablishedBy: operator,
		EstablishedAt: l.clock().UTC(),
	}
	if _, err := l.deps.Ledger.Append(ctx, contracts.EventBaselineEstablished, operator, componentID, b); err != nil {
		return contracts.Baseline{}, err
	}
	if err := l.deps.Baselines.Establish(ctx, b); err != nil {
		return contracts.Baseline{}, contracts.WrapError(contracts.KindPersistence, "baseline", err)
	}
	l.logger.Info("baseline established", "component", componentID, "operator", operator)
	return b, nil
}

func aggregate(actions []contracts.Action) contracts.CycleMetrics {
	m := contracts.CycleMetrics{Actions: len(actions)}
	resources := make(map[string]struct{})
	for _, a := range actions {
		for _, r := range a.ResourcesTouched {
			resources[r] = struct{}{}
		}
		m.UnitsAdded += a.SizeDelta.Added
		m.UnitsRemoved += a.SizeDelta.Removed
		m.TestsRun += a.TestsRun
		m.TestsPassed += a.TestsPassed
		if !a.VerificationPassed {
			m.VerificationFailures++
		}
	}
	m.ResourcesTouched = len(resources)
	return m
}

// union collects the distinct non-empty values pick returns, sorted.
func union(actions []contracts.Action, pick func(contracts.Action) []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range actions {
		for _, v := range pick(a) {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

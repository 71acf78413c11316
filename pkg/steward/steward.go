// Package steward assembles the ledger, gatekeeper and audit loop into one
// governance service and exposes its operations to orchestrators.
package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/steward/pkg/auditloop"
	"github.com/Mindburn-Labs/steward/pkg/baseline"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/gatekeeper"
	"github.com/Mindburn-Labs/steward/pkg/ledger"
	"github.com/Mindburn-Labs/steward/pkg/notify"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/pdp"
	"github.com/Mindburn-Labs/steward/pkg/runner"
	"github.com/Mindburn-Labs/steward/pkg/store"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
)

// Options configure New. Nil collaborators are built from Config and Profile.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Options struct {
	Config  *config.Config
	Profile *config.Profile

	Store     ledger.Store
	Baselines baseline.Store
	Policy    contracts.PolicyEngine
	Lint      contracts.LintRunner
	Tests     contracts.TestRunner
	Health    contracts.HealthSource
	Resources auditloop.ResourceReader
	Notifier  contracts.Notifier
	Reviewer  auditloop.Reviewer

	// Meter receives governance metrics. Nil uses the observability provider.
	Meter  metric.Meter
	Logger *slog.Logger
}

// Steward is the assembled governance service.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Steward struct {
	ledger     *ledger.Ledger
	gatekeeper *gatekeeper.Gatekeeper
	loop       *auditloop.Loop
	provider   *observability.Provider
	slo        *observability.SLOTracker
	profile    *config.Profile
	logger     *slog.Logger
	closers    []func() error
}

// New wires every component. On error, whatever was opened is closed again.
func New(ctx context.Context, opts Options) (_ *Steward, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}
	profile := opts.Profile
	if profile == nil {
		if cfg.ProfilePath != "" {
			if profile, err = config.LoadProfile(cfg.ProfilePath); err != nil {
				return nil, err
			}
		} else {
			profile = config.DefaultProfile()
		}
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "steward")

	s := &Steward{profile: profile, logger: logger, slo: observability.NewSLOTracker()}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.provider, err = observability.New(ctx, &observability.Config{
		ServiceName:    "steward",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.provider.Shutdown(shutdownCtx)
	})

	meter := opts.Meter
	if meter == nil {
		meter = s.provider.Meter()
	}
	s.slo.SetTarget(observability.DefaultAuditSLO())
	metrics, err := observability.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("steward: metrics: %w", err)
	}
	metrics.WithSLO(s.slo)

	ledgerStore := opts.Store
	if ledgerStore == nil {
		var closeStore func() error
		ledgerStore, closeStore, err = store.Open(ctx, cfg.Ledger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeStore)
	}
	s.ledger, err = ledger.Open(ctx, ledgerStore)
	if err != nil {
		return nil, err
	}
	s.ledger.WithHooks(metrics).WithLogger(base.With("component", "ledger"))
	if compromised, reason := s.ledger.Compromised(); compromised {
		logger.ErrorContext(ctx, "ledger opened compromised", "reason", reason)
	}

	var redisClient *redis.Client
	redisClientFor := func() *redis.Client {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			s.closers = append(s.closers, redisClient.Close)
		}
		return redisClient
	}

	baselines := opts.Baselines
	if baselines == nil {
		switch cfg.BaselineBackend {
		case "", config.BaselineMemory:
			baselines = baseline.NewMemoryStore()
		case config.BaselineRedis:
			rs := baseline.NewRedisStoreFromClient(redisClientFor())
			if err = rs.Ping(ctx); err != nil {
				return nil, fmt.Errorf("steward: baseline store: %w", err)
			}
			baselines = rs
		default:
			return nil, fmt.Errorf("steward: unknown baseline backend %q", cfg.BaselineBackend)
		}
	}

	policy := opts.Policy
	if policy == nil {
		if policy, err = pdp.New(profile.Policy); err != nil {
			return nil, err
		}
	}
	lint := opts.Lint
	if lint == nil {
		if len(cfg.LintCommand) == 0 {
			return nil, errors.New("steward: no lint command configured")
		}
		lint = &runner.CommandLinter{Command: cfg.LintCommand[0], Args: cfg.LintCommand[1:], Dir: cfg.WorkDir}
	}
	tests := opts.Tests
	if tests == nil {
		tests = runner.NewCommandTestRunner(cfg.WorkDir)
	}
	health := opts.Health
	if health == nil && cfg.HealthURL != "" {
		health = runner.NewHTTPHealthSource(cfg.HealthURL, profile.Timeouts.Health)
	}
	resources := opts.Resources
	if resources == nil {
		resources = &runner.FSReader{Root: cfg.WorkDir}
	}

	notifier := opts.Notifier
	if notifier == nil {
		var sinks []contracts.Notifier
		sinks, err = buildSinks(cfg, redisClientFor, base, s)
		if err != nil {
			return nil, err
		}
		async := notify.NewAsync(notify.NewMulti(notify.DefaultTimeout, sinks...), 256, notify.DefaultTimeout)
		// Registered last so it drains before the sinks it feeds are closed.
		s.closers = append(s.closers, async.Close)
		notifier = async
	}

	s.gatekeeper, err = gatekeeper.New(s.ledger, tiers.New(profile.Tiers), gatekeeper.Collaborators{
		Policy: policy,
		Lint:   lint,
		Tests:  tests,
		Health: health,
	}, profile.GatekeeperConfig())
	if err != nil {
		return nil, err
	}
	s.gatekeeper.WithHooks(metrics).WithLogger(base.With("component", "gatekeeper"))

	s.loop, err = auditloop.New(auditloop.Deps{
		Ledger:     s.ledger,
		Gatekeeper: s.gatekeeper,
		Baselines:  baselines,
		Health:     health,
		Tests:      tests,
		Resources:  resources,
		Notifier:   notifier,
		Reviewer:   opts.Reviewer,
	}, profile.AuditLoopConfig())
	if err != nil {
		return nil, err
	}
	s.loop.WithHooks(metrics).WithLogger(base.With("component", "auditloop"))
	s.gatekeeper.WithHaltGate(s.loop)

	logger.InfoContext(ctx, "steward ready",
		"ledger_backend", cfg.Ledger.Backend,
		"baseline_backend", cfg.BaselineBackend,
		"audit_threshold", profile.Audit.Threshold,
		"notify", cfg.Notify,
	)
	return s, nil
}

func buildSinks(cfg *config.Config, redisClient func() *redis.Client, base *slog.Logger, s *Steward) ([]contracts.Notifier, error) {
	var sinks []contracts.Notifier
	for _, name := range cfg.Notify {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, notify.NewLogSink(base.With("component", "notify")))
		case config.SinkRedis:
			sinks = append(sinks, notify.NewRedisSink(redisClient(), ""))
		case config.SinkKafka:
			k := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			s.closers = append(s.closers, k.Close)
			sinks = append(sinks, k)
		case config.SinkWebhook:
			if cfg.WebhookURL == "" {
				return nil, errors.New("steward: webhook sink requires STEWARD_NOTIFY_WEBHOOK")
			}
			sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
		default:
			return nil, fmt.Errorf("steward: unknown notification sink %q", name)
		}
	}
	return sinks, nil
}

// Close releases stores, brokers and exporters in reverse order of opening.
func (s *Steward) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// SubmitIntent classifies and routes an intent.
func (s *Steward) SubmitIntent(ctx context.Context, req contracts.IntentRequest) (*contracts.Intent, error) {
	return s.gatekeeper.SubmitIntent(ctx, req)
}

// ApproveIntent records an explicit approval of a pending sensitive intent.
func (s *Steward) ApproveIntent(ctx context.Context, intentID, approver string) (*contracts.Intent, error) {
	return s.gatekeeper.ApproveIntent(ctx, intentID, approver)
}

// GetIntent returns a copy of a known intent.
func (s *Steward) GetIntent(intentID string) (*contracts.Intent, error) {
	return s.gatekeeper.GetIntent(intentID)
}

// PendingIntents lists intents awaiting explicit approval.
func (s *Steward) PendingIntents() []*contracts.Intent {
	return s.gatekeeper.PendingIntents()
}

// CreateVerificationBundle runs lint, tests and contract checks for an approved intent.
func (s *Steward) CreateVerificationBundle(ctx context.Context, intentID string, resources []string, testCommand string) (*contracts.VerificationBundle, error) {
	return s.gatekeeper.CreateVerificationBundle(ctx, intentID, resources, testCommand)
}

// RecordAction adds a completed action to the current cycle, auditing when
// the threshold is reached.
func (s *Steward) RecordAction(ctx context.Context, rep contracts.ActionReport) (*contracts.Action, error) {
	return s.loop.RecordAction(ctx, rep)
}

// TriggerAudit audits the current cycle now.
func (s *Steward) TriggerAudit(ctx context.Context) (*contracts.Cycle, error) {
	return s.loop.TriggerAudit(ctx)
}

// Resume clears a halt on behalf of an operator.
func (s *Steward) Resume(ctx context.Context, operator string) error {
	return s.loop.Resume(ctx, operator)
}

// GetCycleStatus reports the open cycle and halt state.
func (s *Steward) GetCycleStatus() contracts.CycleStatus {
	return s.loop.Status()
}

// History returns archived cycles, oldest first.
func (s *Steward) History() []*contracts.Cycle {
	return s.loop.History()
}

// EstablishBaseline records reference metrics for a component.
func (s *Steward) EstablishBaseline(ctx context.Context, componentID string, m contracts.Metrics, operator string) (contracts.Baseline, error) {
	return s.loop.EstablishBaseline(ctx, componentID, m, operator)
}

// QueryLedger returns matching ledger entries in sequence order.
func (s *Steward) QueryLedger(ctx context.Context, filter ledger.QueryFilter) ([]ledger.Entry, error) {
	return s.ledger.Query(ctx, filter)
}

// VerifyChain checks the whole ledger from genesis.
func (s *Steward) VerifyChain(ctx context.Context) (ledger.VerifyResult, error) {
	return s.ledger.VerifyChain(ctx)
}

// ClearCompromised lifts the compromised flag after operator review.
func (s *Steward) ClearCompromised(ctx context.Context, operator, reason string) (ledger.Entry, error) {
	return s.ledger.ClearCompromised(ctx, operator, reason)
}

// Export builds an evidence bundle of entries since the given time.
func (s *Steward) Export(ctx context.Context, since time.Time, limit int) (*ledger.EvidenceBundle, error) {
	return s.ledger.Export(ctx, since, limit)
}

// AuditSLO reports audit latency and approval rate against the default target.
func (s *Steward) AuditSLO() (*observability.SLOStatus, error) {
	return s.slo.Status(observability.OperationAudit)
}

// Profile returns the governance profile in effect.
func (s *Steward) Profile() *config.Profile {
	return s.profile
}

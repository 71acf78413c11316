package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Attribute keys attached to governance instruments.
var (
	AttrEventType          = attribute.Key("steward.event_type")
	AttrTier               = attribute.Key("steward.tier")
	AttrApproved           = attribute.Key("steward.approved")
	AttrGovernanceApproved = attribute.Key("steward.governance_approved")
)

// Metrics records governance outcomes. It satisfies the hook interfaces of
// the ledger, the gatekeeper and the audit loop.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Metrics struct {
	ledgerEntries   metric.Int64Counter
	chainBreaks     metric.Int64Counter
	intents         metric.Int64Counter
	intentApprovals metric.Int64Counter
	bundles         metric.Int64Counter
	trustScore      metric.Float64Histogram
	actions         metric.Int64Counter
	audits          metric.Int64Counter
	auditDuration   metric.Float64Histogram
	halts           metric.Int64Counter

	slo *SLOTracker
}

// NewMetrics registers the governance instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	m.ledgerEntries = counter("steward.ledger.entries", "Ledger entries appended", "{entry}")
	m.chainBreaks = counter("steward.ledger.chain_breaks", "Chain verifications that found tampering", "{break}")
	m.intents = counter("steward.intents.submitted", "Intents submitted, by tier and outcome", "{intent}")
	m.intentApprovals = counter("steward.intents.approved", "Explicit approvals of sensitive intents", "{intent}")
	m.bundles = counter("steward.bundles.created", "Verification bundles created", "{bundle}")
	m.actions = counter("steward.actions.recorded", "Completed actions recorded", "{action}")
	m.audits = counter("steward.audits.completed", "Audits completed, by outcome", "{audit}")
	m.halts = counter("steward.actor.halts", "Times the actor was halted", "{halt}")

	var err error
	m.trustScore, err = meter.Float64Histogram("steward.bundle.trust_score",
		metric.WithDescription("Trust score of verification bundles"),
		metric.WithExplicitBucketBoundaries(0, 0.25, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	errs = append(errs, err)
	m.auditDuration, err = meter.Float64Histogram("steward.audit.duration",
		metric.WithDescription("Wall time of a five-phase audit"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// WithSLO feeds audit outcomes into t as well.
func (m *Metrics) WithSLO(t *SLOTracker) *Metrics {
	m.slo = t
	return m
}

func (m *Metrics) EntryAppended(eventType contracts.EventType) {
	m.ledgerEntries.Add(context.Background(), 1, metric.WithAttributes(AttrEventType.String(string(eventType))))
}

func (m *Metrics) ChainBroken(sequence uint64) {
	m.chainBreaks.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("steward.sequence", int64(sequence))))
}

func (m *Metrics) IntentSubmitted(tier contracts.Tier, approved bool) {
	m.intents.Add(context.Background(), 1, metric.WithAttributes(
		AttrTier.String(tier.String()),
		AttrApproved.Bool(approved),
	))
}

func (m *Metrics) IntentApproved(tier contracts.Tier) {
	m.intentApprovals.Add(context.Background(), 1, metric.WithAttributes(AttrTier.String(tier.String())))
}

func (m *Metrics) BundleCreated(governanceApproved bool, trustScore float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(AttrGovernanceApproved.Bool(governanceApproved))
	m.bundles.Add(ctx, 1, attrs)
	m.trustScore.Record(ctx, trustScore, attrs)
}

func (m *Metrics) ActionRecorded() {
	m.actions.Add(context.Background(), 1)
}

func (m *Metrics) AuditCompleted(approved bool, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(AttrApproved.Bool(approved))
	m.audits.Add(ctx, 1, attrs)
	m.auditDuration.Record(ctx, duration.Seconds(), attrs)
	if m.slo != nil {
		m.slo.Record(SLOObservation{Operation: OperationAudit, Latency: duration, Success: approved})
	}
}

func (m *Metrics) ActorHalted() {
	m.halts.Add(context.Background(), 1)
}

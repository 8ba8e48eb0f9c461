package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// telemetry bundles the ambient tracing/metrics surface: one span per
// Plan/Approve/Commit/Revert call, and counters for intents committed,
// rolled back, and policy denials.
type telemetry struct {
	tracer trace.Tracer
	intentsCommitted metric.Int64Counter
	intentsRolledBack metric.Int64Counter
	policyDenials metric.Int64Counter
	journalAppends metric.Int64Counter
}

func newTelemetry() *telemetry {
	tracer := otel.Tracer("github.com/deterministic-agent-lab/gate/orchestrator")
	meter := otel.Meter("github.com/deterministic-agent-lab/gate/orchestrator")

	t := &telemetry{tracer: tracer}
	t.intentsCommitted, _ = meter.Int64Counter("gate.intents.committed")
	t.intentsRolledBack, _ = meter.Int64Counter("gate.intents.rolledback")
	t.policyDenials, _ = meter.Int64Counter("gate.policy.denials")
	t.journalAppends, _ = meter.Int64Counter("gate.journal.appends")
	return t
}

func (t *telemetry) startSpan(ctx context.Context, op, bundleID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "orchestrator."+op, trace.WithAttributes(
		attribute.String("bundle_id", bundleID),
	))
}

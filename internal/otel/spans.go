package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control-plane spans.
var (
	AttrRunID         = attribute.Key("agentorch.run.id")
	AttrTaskID        = attribute.Key("agentorch.task.id")
	AttrRepositoryID  = attribute.Key("agentorch.repository.id")
	AttrWorkerID      = attribute.Key("agentorch.worker.id")
	AttrHarness       = attribute.Key("agentorch.harness")
	AttrLeaseID       = attribute.Key("agentorch.lease.id")
	AttrNodeID        = attribute.Key("agentorch.workflow.node.id")
	AttrDispatchOutcome = attribute.Key("agentorch.dispatch.outcome")
	AttrFailureClass  = attribute.Key("agentorch.failure.class")
	AttrAlertRuleType = attribute.Key("agentorch.alert.rule_type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the event stream listener, the API).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (runtime provisioning, notifiers).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for factory spans.
var (
	AttrTaskID     = attribute.Key("chimera.task.id")
	AttrCampaignID = attribute.Key("chimera.campaign.id")
	AttrAgentID    = attribute.Key("chimera.agent.id")
	AttrSkill      = attribute.Key("chimera.skill.name")
	AttrAttempt    = attribute.Key("chimera.task.attempt")
	AttrWorkerID   = attribute.Key("chimera.worker.id")
	AttrOutboxKind = attribute.Key("chimera.outbox.kind")
	AttrReasonCode = attribute.Key("chimera.task.reason")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan starts a span for processing a leased task.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

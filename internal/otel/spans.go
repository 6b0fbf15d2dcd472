package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for statusboard spans and metrics.
var (
	AttrProjectID  = attribute.Key("statusboard.project.id")
	AttrFeatureID  = attribute.Key("statusboard.feature.id")
	AttrEventKind  = attribute.Key("statusboard.event.kind")
	AttrRoom       = attribute.Key("statusboard.room")
	AttrTransition = attribute.Key("statusboard.staleness.transition")
	AttrRoute      = attribute.Key("statusboard.http.route")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runtime spans.
var (
	AttrProtocol   = attribute.Key("flowrt.protocol")
	AttrCommand    = attribute.Key("flowrt.command")
	AttrGraph      = attribute.Key("flowrt.graph")
	AttrClientID   = attribute.Key("flowrt.client.id")
	AttrComponent  = attribute.Key("flowrt.component")
	AttrPort       = attribute.Key("flowrt.port")
	AttrEventType  = attribute.Key("flowrt.event.type")
	AttrPermission = attribute.Key("flowrt.permission")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound protocol command.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

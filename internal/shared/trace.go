package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type clientIDKey struct{}
type graphIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithClientID attaches the id of the protocol client issuing a command.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// ClientID extracts client_id from context. Returns "" if absent.
func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewClientID generates a new client_id.
func NewClientID() string {
	return uuid.NewString()
}

// WithGraphID attaches the graph a command targets.
func WithGraphID(ctx context.Context, graphID string) context.Context {
	return context.WithValue(ctx, graphIDKey{}, graphID)
}

// GraphID extracts graph_id from context. Returns "" if absent.
func GraphID(ctx context.Context) string {
	if v, ok := ctx.Value(graphIDKey{}).(string); ok {
		return v
	}
	return ""
}

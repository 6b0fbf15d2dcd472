package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type projectIDKey struct{}
type featureIDKey struct{}

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

// WithProjectID attaches a project_id to the context.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey{}, projectID)
}

// ProjectID extracts project_id from context. Returns "" if absent.
func ProjectID(ctx context.Context) string {
	if v, ok := ctx.Value(projectIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithFeatureID attaches a feature_id to the context.
func WithFeatureID(ctx context.Context, featureID string) context.Context {
	return context.WithValue(ctx, featureIDKey{}, featureID)
}

// FeatureID extracts feature_id from context. Returns "" if absent.
func FeatureID(ctx context.Context) string {
	if v, ok := ctx.Value(featureIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the request-scoped identifiers present in ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := ProjectID(ctx); id != "" {
		attrs = append(attrs, "project_id", id)
	}
	if id := FeatureID(ctx); id != "" {
		attrs = append(attrs, "feature_id", id)
	}
	return attrs
}

package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}

func TestProjectAndFeatureID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if ProjectID(ctx) != "" || FeatureID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithFeatureID(WithProjectID(ctx, "p1"), "f1")
	if got := ProjectID(ctx); got != "p1" {
		t.Fatalf("expected p1, got %q", got)
	}
	if got := FeatureID(ctx); got != "f1" {
		t.Fatalf("expected f1, got %q", got)
	}
}

func TestLogAttrs(t *testing.T) {
	ctx := WithFeatureID(WithTraceID(context.Background(), "t1"), "f1")
	attrs := LogAttrs(ctx)
	want := []any{"trace_id", "t1", "feature_id", "f1"}
	if len(attrs) != len(want) {
		t.Fatalf("attrs = %v, want %v", attrs, want)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Fatalf("attrs[%d] = %v, want %v", i, attrs[i], want[i])
		}
	}
}

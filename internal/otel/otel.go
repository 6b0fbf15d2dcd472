// Package otel wires OpenTelemetry tracing and metrics for statusboard.
// A disabled Config yields no-op tracer and meter implementations, so callers
// never branch on whether telemetry is on.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope for both traces and metrics.
	ScopeName = "statusboard"
	Version   = "v0.1-dev"

	defaultEndpoint = "localhost:4318"
)

type Config struct {
	Enabled     bool
	Exporter    string // otlp-http (default), stdout, none
	Endpoint    string
	ServiceName string
	SampleRate  float64
	// MetricsEnabled nil means enabled.
	MetricsEnabled *bool

	// SpanExporter and MetricReader override the configured sinks. Tests
	// use them to capture output in memory.
	SpanExporter sdktrace.SpanExporter
	MetricReader sdkmetric.Reader
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider holds the active tracer and meter. Call Shutdown on exit to flush
// buffered spans.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	closers []func(context.Context) error
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
		MeterProvider: mp,
		Meter:         mp.Meter(ScopeName),
	}
}

func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	exporter := cfg.SpanExporter
	if exporter == nil {
		var err error
		if exporter, err = newExporter(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
	}

	name := cfg.ServiceName
	if name == "" {
		name = ScopeName
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		attribute.String("statusboard.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	p := noopProvider()
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(ScopeName)
	p.closers = append(p.closers, tp.Shutdown)

	if cfg.metricsOn() {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		if cfg.MetricReader != nil {
			opts = append(opts, sdkmetric.WithReader(cfg.MetricReader))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		p.MeterProvider = mp
		p.Meter = mp.Meter(ScopeName)
		p.closers = append(p.closers, mp.Shutdown)
	}
	return p, nil
}

// Shutdown flushes every provider and reports all failures together.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	return errors.Join(errs...)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error { return nil }

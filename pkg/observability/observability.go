// Package observability provides OpenTelemetry tracing and metrics for
// the proctoring orchestrator.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "proctord",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
	}
}

// Provider manages the trace and metric providers plus the domain
// counters used across the orchestrator.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	samples    metric.Int64Counter
	violations metric.Int64Counter
	fallbacks  metric.Int64Counter
}

// New creates the provider. With Enabled false it is a no-op shell whose
// record methods are safe to call.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer("proctord", trace.WithInstrumentationVersion(config.ServiceVersion))
	meter := otel.Meter("proctord", metric.WithInstrumentationVersion(config.ServiceVersion))

	if p.samples, err = meter.Int64Counter("proctor.samples.total",
		metric.WithDescription("Samples submitted to the detection channel"),
		metric.WithUnit("{sample}")); err != nil {
		return nil, err
	}
	if p.violations, err = meter.Int64Counter("proctor.violations.total",
		metric.WithDescription("Violation events emitted"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if p.fallbacks, err = meter.Int64Counter("proctor.fallbacks.total",
		metric.WithDescription("Samples served by the local detection path"),
		metric.WithUnit("{sample}")); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized", "endpoint", config.OTLPEndpoint)
	return p, nil
}

// StartSpan begins a span when telemetry is enabled.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordSample counts one submitted sample.
func (p *Provider) RecordSample(ctx context.Context, sessionID string) {
	if p.samples != nil {
		p.samples.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", sessionID)))
	}
}

// RecordViolation counts one emitted violation event.
func (p *Provider) RecordViolation(ctx context.Context, sessionID, violationType string) {
	if p.violations != nil {
		p.violations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("violation_type", violationType),
		))
	}
}

// RecordFallback counts one locally served sample.
func (p *Provider) RecordFallback(ctx context.Context, sessionID string) {
	if p.fallbacks != nil {
		p.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("session_id", sessionID)))
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

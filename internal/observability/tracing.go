// Package observability provides logging, OpenTelemetry tracing and metrics for listingsearch.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the instrumentation scope of every listingsearch span.
	TracerName = "github.com/efebarandurmaz/listingsearch"
)

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	// ServiceName is the name of the service (default: "listingsearch")
	ServiceName string

	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod)
	Environment string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0, default: 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "listingsearch",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}

	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans and stops the exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Span kinds recorded on listingsearch spans.
const (
	SpanKindEmbedding = "embedding"
	SpanKindQuery     = "query"
	SpanKindSearch    = "search"
)

// StartSearchSpan starts the span covering one submission.
func StartSearchSpan(ctx context.Context, variant string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "search.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("listingsearch.span.kind", SpanKindSearch),
			attribute.String("search.variant", variant),
		),
	)
}

// RecordSearchResult records the outcome of a submission.
func RecordSearchResult(span trace.Span, matches int, embedding, query time.Duration, charge float64) {
	span.SetAttributes(
		attribute.Int("search.matches", matches),
		attribute.Int64("search.embedding_ms", embedding.Milliseconds()),
		attribute.Int64("search.query_ms", query.Milliseconds()),
		attribute.Float64("search.request_charge", charge),
	)
}

// StartEmbeddingSpan starts a span for one embedding call.
func StartEmbeddingSpan(ctx context.Context, deployment, model string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "embedding.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("listingsearch.span.kind", SpanKindEmbedding),
			attribute.String("embedding.deployment", deployment),
			attribute.String("embedding.model", model),
		),
	)
}

// RecordEmbedding records the size and latency of a generated vector.
func RecordEmbedding(span trace.Span, dimensions int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("embedding.dimensions", dimensions),
		attribute.Int64("embedding.duration_ms", duration.Milliseconds()),
	)
}

// StartQuerySpan starts a span for a similarity query against one container.
func StartQuerySpan(ctx context.Context, database, container string, limit int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "cosmos.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("listingsearch.span.kind", SpanKindQuery),
			attribute.String("db.system", "cosmosdb"),
			attribute.String("db.name", database),
			attribute.String("db.cosmosdb.container", container),
			attribute.Int("query.limit", limit),
		),
	)
}

// RecordQueryResult records the cost of a similarity query.
func RecordQueryResult(span trace.Span, ranges, items int, charge float64, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("query.partition_ranges", ranges),
		attribute.Int("query.items", items),
		attribute.Float64("db.cosmosdb.request_charge", charge),
		attribute.Int64("query.duration_ms", duration.Milliseconds()),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Package telemetry configures OpenTelemetry tracing for the
// scheduler and API processes (§7 observability surface).
//
// Grounded on the teacher's internal/telemetry/tracing.go (OTLP gRPC
// exporter wired through an explicit InitTraceProvider/shutdown-func
// pair, package-level span-start helpers keyed off a single named
// tracer), narrowed from the teacher's GenAI-call spans to the spans
// Thorium's own pipeline actually has: reconciliation ticks, HTTP
// requests, and reaction runs.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "thorium.io/scheduler"

// Tracer returns the package-level tracer every span helper uses.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC trace exporter and returns
// its shutdown func. An empty endpoint disables tracing (the global
// provider stays the OTel no-op default), so processes that never set
// --otlp-endpoint pay no tracing cost.
func InitTraceProvider(ctx context.Context, endpoint, serviceName, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartReconcileSpan creates the parent span for one scheduler tick.
func StartReconcileSpan(ctx context.Context, scaler string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scheduler.reconcile",
		trace.WithAttributes(attribute.String("thorium.scaler", scaler)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartRequestSpan creates the parent span for one HTTP request.
func StartRequestSpan(r *http.Request) (context.Context, trace.Span) {
	return Tracer().Start(r.Context(), "api.request",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndRequestSpan enriches the request span with the outcome status
// before ending it.
func EndRequestSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	span.End()
}

// StartReactionSpan creates a span for one reaction's stage advance.
func StartReactionSpan(ctx context.Context, group, pipeline string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "reaction.advance",
		trace.WithAttributes(
			attribute.String("thorium.group", group),
			attribute.String("thorium.pipeline", pipeline),
		),
	)
}

// Package telemetry wires the OpenTelemetry tracer provider used across a
// sync run: an OTLP/gRPC exporter, a batching span processor, and the W3C
// trace-context/baggage propagators, registered globally so otelhttp's
// transport (internal/logclient) and any manually-started spans share one
// provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Shutdown flushes and tears down the tracer provider installed by
// Configure. Callers must invoke it before the process exits.
type Shutdown func(context.Context) error

// Configure installs a global TracerProvider exporting spans over OTLP/gRPC
// (endpoint and headers taken from the standard OTEL_EXPORTER_OTLP_*
// environment variables, per otlptracegrpc.NewClient()'s defaults),
// tagged with serviceName as its resource's service.name attribute. When
// serviceName is empty, telemetry is disabled and Configure returns a no-op
// Shutdown: a sync run must work without a collector present.
func Configure(ctx context.Context, serviceName string) (Shutdown, error) {
	if serviceName == "" {
		return func(context.Context) error { return nil }, nil
	}

	client := otlptracegrpc.NewClient()
	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return exp.Shutdown(shutdownCtx)
	}, nil
}

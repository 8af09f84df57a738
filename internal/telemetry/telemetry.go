// Package telemetry installs the process-wide OpenTelemetry tracer
// provider. Spans are exported over OTLP/HTTP (e.g. to a local Jaeger or
// an OTel collector); with no endpoint configured nothing is installed
// and all tracer calls stay no-ops.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "stationkernel"

// Setup builds an OTLP/HTTP exporter for endpoint, registers a batching
// tracer provider as the global one, and returns it for shutdown. An
// empty endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT; if that is
// also empty, Setup returns (nil, nil) and tracing stays disabled.
func Setup(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Printf("[Telemetry] exporting traces to %s", endpoint)
	return tp, nil
}

// Shutdown flushes and stops tp, tolerating a nil provider from a
// disabled Setup.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		log.Printf("[Telemetry] trace provider shutdown: %v", err)
	}
}

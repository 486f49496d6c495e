// Package telemetry wires an optional, no-op-by-default OpenTelemetry
// tracer into the governance kernel's hot paths. It is off unless
// OTEL_ENABLED=true, matching the ledger's role as the system of record:
// traces are a debugging aid layered on top, never a dependency of
// correctness. Grounded on the teacher corpus's OTelProvider pattern
// (itsneelabh-gomind/telemetry/otel.go), narrowed to tracing only and
// switched to the OTLP/gRPC exporters already in go.mod.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps a tracer that is either a real OTLP-exporting one or a
// no-op, decided once at construction time.
type Provider struct {
	tracer   trace.Tracer
	tp       *sdktrace.TracerProvider // nil when disabled
}

// NewProvider builds a Provider for serviceName. When OTEL_ENABLED is not
// "true", Tracer() returns otel's no-op tracer and Shutdown is a no-op.
func NewProvider(ctx context.Context, serviceName string) (*Provider, error) {
	if os.Getenv("OTEL_ENABLED") != "true" {
		return &Provider{tracer: trace.NewNoopTracerProvider().Tracer(serviceName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return &Provider{tracer: tp.Tracer(serviceName), tp: tp}, nil
}

// Tracer returns the tracer to start spans with; safe to call on a nil
// *Provider (returns otel's global no-op tracer).
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return trace.NewNoopTracerProvider().Tracer("govkernel")
	}
	return p.tracer
}

// Shutdown flushes and stops the exporter; no-op when telemetry is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

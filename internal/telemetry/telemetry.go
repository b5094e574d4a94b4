// Package telemetry sets up the OpenTelemetry tracer used around claim->execute->commit,
// threading trace context through parent_work_id cascades so a cascade's spans form
// one trace regardless of which worker goroutine picked up each stage.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider bundles the orchestrator's tracer and meter providers.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	Tracer         trace.Tracer
}

// New constructs a tracer/meter provider pair and registers them as the global
// providers (the only acceptable use of an otel global: it is itself a stable,
// side-effect-free registration point the library is designed around).
func New() *Provider {
	tp := sdktrace.NewTracerProvider()
	mp := metric.NewMeterProvider()
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer("github.com/kvknd/substrated"),
	}
}

// Shutdown flushes and stops both providers; call during orchestrator shutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.MeterProvider.Shutdown(ctx)
}

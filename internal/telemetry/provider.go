package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Providers bundles the OTel SDK handles Setup creates, plus the adapted
// Metrics/Tracer implementations the rest of the runtime consumes.
type Providers struct {
	Metrics Metrics
	Tracer  Tracer

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// Setup builds SDK meter and tracer providers for the given service name,
// registers them globally, and returns adapters plus the providers for
// shutdown. Exporters are attached by the caller through opts; with none,
// metrics accumulate in-process and spans are sampled but unexported, which
// is the correct default for a localhost-bound single binary.
func Setup(serviceName string, metricOpts []sdkmetric.Option, traceOpts []sdktrace.TracerProviderOption) *Providers {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless())
	if err != nil {
		res = resource.Default()
	}
	metricOpts = append([]sdkmetric.Option{sdkmetric.WithResource(res)}, metricOpts...)
	traceOpts = append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, traceOpts...)

	mp := sdkmetric.NewMeterProvider(metricOpts...)
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return &Providers{
		Metrics:        NewOtelMetrics(mp.Meter(serviceName)),
		Tracer:         NewOtelTracer(tp.Tracer(serviceName)),
		meterProvider:  mp,
		tracerProvider: tp,
	}
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var first error
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		first = err
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

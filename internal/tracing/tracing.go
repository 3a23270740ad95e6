// Package tracing wires the process-wide OpenTelemetry TracerProvider,
// exported via OTLP/HTTP when an endpoint is configured and an SDK provider with no exporter otherwise, so a core built without a
// collector nearby never blocks on export.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies this process in exported spans.
const ServiceName = "relaygate-gateway"

// Tracer is the package-level tracer the request span is started from.
var Tracer trace.Tracer = otel.Tracer(ServiceName)

// Init builds and installs the global TracerProvider. otlpEndpoint empty
// disables export (spans are still created and sampled, just dropped);
// tracing is always on internally but only shipped externally when
// configured.
func Init(ctx context.Context, otlpEndpoint string) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", ServiceName)))
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if otlpEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(otlpEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer(ServiceName)

	return tp.Shutdown, nil
}

// StartRequestSpan starts the top-level span for one inbound request; the
// returned context carries it through the planner and executor. No
// per-attempt child spans are started.
func StartRequestSpan(ctx context.Context, requestID, apiFormat string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "gateway.request",
		trace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.String("api_format", apiFormat),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// Package telemetry wires OpenTelemetry tracing and the replication counters.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the trace exporter. Tracing stays off unless Endpoint is set.
type Config struct {
	Endpoint    string  `env:"POSEMESH_OTEL_ENDPOINT"`
	Enabled     bool    `env:"POSEMESH_OTEL_ENABLED"      envDefault:"true"`
	SampleRatio float64 `env:"POSEMESH_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Process describes the posemesh process exporting spans. App and Room are
// empty for the directory.
type Process struct {
	Service string
	Version string
	App     string
	Room    string
}

func (p Process) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(p.Service)}
	if p.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(p.Version))
	}
	if p.App != "" {
		attrs = append(attrs, attribute.String("posemesh.app", p.App))
	}
	if p.Room != "" {
		attrs = append(attrs, attribute.String("posemesh.room", p.Room))
	}
	return attrs
}

// Setup installs a global tracer provider exporting join and leave spans
// over OTLP/HTTP. With no endpoint, or with tracing disabled, nothing is
// installed and the session keeps using the no-op tracer. Defer the
// returned func to flush on exit.
func Setup(ctx context.Context, proc Process, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return noop, fmt.Errorf("otel sample ratio must be within [0, 1], got %v", cfg.SampleRatio)
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(proc.attributes()...))
	if err != nil {
		return noop, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Package tracing installs the OpenTelemetry provider that receives plugin
// execution spans.
package tracing

import (
	"context"
	"fmt"

	"github.com/mattjoyce/hookwarden/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Setup builds a provider exporting over OTLP/gRPC and installs it as the
// global provider. It returns nil when tracing is disabled. Callers must
// Shutdown the provider to flush pending spans.
func Setup(ctx context.Context, cfg config.TracingConfig, service, version string) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithCompressor("gzip"),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := NewProvider(exp, cfg.SampleRatio, service, version)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// NewProvider returns a batching provider for exp that samples ratio of root
// traces; child spans follow their parent.
func NewProvider(exp sdktrace.SpanExporter, ratio float64, service, version string) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		)),
	)
}

package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OTelConfig selects the trace exporter. An empty endpoint leaves the
// global provider untouched.
type OTelConfig struct {
	// OTLPEndpoint, e.g. jaeger:4317 (grpc) or http://jaeger:4318 (http).
	OTLPEndpoint string

	// Protocol is "grpc" or "http". Defaults to grpc, matching the OTLP
	// collector's default port split.
	Protocol string

	ServiceName    string
	ServiceVersion string
}

// SetupTracing installs a global tracer provider exporting to the
// configured OTLP endpoint. The returned shutdown flushes pending spans;
// it is non-nil even when tracing stays disabled.
func SetupTracing(ctx context.Context, cfg OTelConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return noop, nil
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch cfg.Protocol {
	case "", "grpc":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "http":
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return noop, fmt.Errorf("unknown OTLP protocol %q", cfg.Protocol)
	}
	if err != nil {
		return noop, fmt.Errorf("create OTLP trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "botswarm"
	}
	serviceVersion := cfg.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = "dev"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("create resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(
			exporter,
			trace.WithBatchTimeout(5*time.Second),
			trace.WithMaxExportBatchSize(100),
		)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

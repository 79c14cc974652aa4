package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/agentuity/go-resultcache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type ShutdownFunc func()

// NewResource describes this process for exported telemetry.
func NewResource(ctx context.Context, serviceName string, log logger.Logger) (*resource.Resource, error) {
	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),      // OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME
		resource.WithTelemetrySDK(), // SDK name and version
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		log.Warn("partial telemetry resource: %s", err)
	} else if err != nil {
		return nil, fmt.Errorf("error creating resource: %w", err)
	}
	return res, nil
}

// Install makes a tracer provider exporting through exporter the global
// provider, so the spans of cached calls are exported.
func Install(res *resource.Resource, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	return tp
}

func shutdownFunc(tp *sdktrace.TracerProvider) ShutdownFunc {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}
}

// New exports traces to the OTLP/HTTP collector at otlpServerURL.
func New(ctx context.Context, otlpServerURL string, authToken string, serviceName string, log logger.Logger) (ShutdownFunc, error) {
	u, err := url.Parse(otlpServerURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing otlpServerURL: %w", err)
	}
	u.Path = "/v1/traces"

	res, err := NewResource(ctx, serviceName, log)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(u.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(time.Second * 10),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating trace exporter: %w", err)
	}
	return shutdownFunc(Install(res, exporter)), nil
}

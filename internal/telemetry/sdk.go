// Package telemetry installs the OpenTelemetry SDK so bridge spans and log
// records leave the process over OTLP/HTTP.
package telemetry

import (
	"context"
	"errors"
	"os"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultServiceName = "tabbridge"

type Options struct {
	// Endpoint is the collector's host:port; an http:// or https:// prefix
	// is accepted. Empty disables export.
	Endpoint           string
	ServiceName        string
	ServiceVersion     string
	ResourceAttributes map[string]string
}

func (o Options) Enabled() bool {
	return normalizeEndpoint(o.Endpoint) != ""
}

// Setup installs global tracer and logger providers. The returned func
// flushes and stops them; it is a no-op when export is disabled.
func Setup(ctx context.Context, options Options) (func(context.Context) error, error) {
	if !options.Enabled() {
		return func(context.Context) error { return nil }, nil
	}
	endpoint := normalizeEndpoint(options.Endpoint)
	insecure := !strings.HasPrefix(strings.TrimSpace(options.Endpoint), "https://")

	traceOptions := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	logOptions := []otlploghttp.Option{otlploghttp.WithEndpoint(endpoint)}
	if insecure {
		traceOptions = append(traceOptions, otlptracehttp.WithInsecure())
		logOptions = append(logOptions, otlploghttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOptions...)
	if err != nil {
		return nil, err
	}
	logExporter, err := otlploghttp.New(ctx, logOptions...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, err
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(resourceAttributes(options)...))
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = logExporter.Shutdown(ctx)
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	otelapi.SetTracerProvider(tracerProvider)
	logglobal.SetLoggerProvider(loggerProvider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		var shutdownErr error
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		return shutdownErr
	}, nil
}

func resourceAttributes(options Options) []attribute.KeyValue {
	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if version := strings.TrimSpace(options.ServiceVersion); version != "" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	for key, value := range options.ResourceAttributes {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			attrs = append(attrs, attribute.String(trimmed, value))
		}
	}
	return attrs
}

// ParseResourceAttributes reads "key=value,key2=value2". Malformed pairs are
// skipped.
func ParseResourceAttributes(raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	attributes := make(map[string]string)
	for _, pair := range strings.Split(trimmed, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		attributes[key] = strings.TrimSpace(value)
	}
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	endpoint = strings.TrimSuffix(endpoint, "/")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}

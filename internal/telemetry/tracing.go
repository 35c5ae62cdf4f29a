package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnknownExporter — неизвестное значение OTEL_TRACES.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// TracingConfig — конфигурация трассировки.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string

	// Exporter: "none" (по умолчанию) или "stdout".
	Exporter string

	// Writer — вывод stdout-экспортера. По умолчанию os.Stdout.
	Writer io.Writer
}

// TracingConfigFromEnv читает OTEL_TRACES.
func TracingConfigFromEnv(service string) TracingConfig {
	exporter := os.Getenv("OTEL_TRACES")
	if exporter == "" {
		exporter = "none"
	}
	return TracingConfig{
		ServiceName:    service,
		ServiceVersion: "dev",
		Exporter:       exporter,
	}
}

// SetupTracing устанавливает глобальный TracerProvider.
// Возвращает функцию shutdown, которую нужно вызвать при завершении.
//
// При Exporter "none" провайдер не устанавливается и спаны остаются noop.
func SetupTracing(_ context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

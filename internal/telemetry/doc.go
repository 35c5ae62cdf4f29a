// Package telemetry настраивает наблюдаемость процессов Stagehand.
//
// Включает:
//   - logging.go — structured logging через slog (LOG_LEVEL, LOG_FORMAT)
//   - tracing.go — OpenTelemetry TracerProvider (OTEL_TRACES)
//
// Prometheus-метрики регистрируются компонентами в их Registerer
// и отдаются на /metrics.
package telemetry

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("stagehand.orchestrator")
	meter  = otel.Meter("stagehand.orchestrator")
)

// metrics — метрики оркестратора.
//
// Prometheus-метрики регистрируются в Registerer экземпляра,
// активные units дополнительно видны через OpenTelemetry meter.
type metrics struct {
	runsTotal    prometheus.Counter
	runsFinished *prometheus.CounterVec
	unitResults  *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec
	unitsRunning prometheus.Gauge
	qualityScore *prometheus.HistogramVec

	activeUnits metric.Int64UpDownCounter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	m := &metrics{
		runsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_runs_total",
			Help: "Total number of submitted runs",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_runs_finished_total",
			Help: "Total number of finished runs by status",
		}, []string{"status"}),
		unitResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_unit_attempts_total",
			Help: "Unit attempts by outcome",
		}, []string{"type", "outcome"}),
		unitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_unit_duration_seconds",
			Help:    "Unit attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"type"}),
		unitsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_units_running",
			Help: "Number of units currently running",
		}),
		qualityScore: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_quality_score",
			Help:    "Quality gate score of unit outputs",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"stage_type"}),
	}

	// Ошибка создания otel-инструмента не критична: остаётся noop.
	m.activeUnits, _ = meter.Int64UpDownCounter("stagehand_active_units",
		metric.WithDescription("Number of currently executing units"),
	)

	return m
}

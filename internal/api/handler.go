package api

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Stagehand/internal/approval"
	"github.com/shaiso/Stagehand/internal/definition"
	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/orchestrator"
	"github.com/shaiso/Stagehand/internal/repo"
)

// ScheduleLister — источник расписаний (scheduler.Store или repo.ScheduleRepo).
type ScheduleLister interface {
	List(ctx context.Context) ([]domain.Schedule, error)
}

// RunRequestPublisher — асинхронная постановка запусков в очередь (*mq.Publisher).
type RunRequestPublisher interface {
	PublishRunRequest(ctx context.Context, req mq.RunRequest) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orch      *orchestrator.Orchestrator
	catalog   *definition.Catalog
	approvals approval.Service
	runs      repo.SnapshotStore
	schedules ScheduleLister
	publisher RunRequestPublisher
	metrics   *httpMetrics
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	// Orchestrator обязателен.
	Orchestrator *orchestrator.Orchestrator

	// Catalog — определения pipeline по имени. Без каталога запуск
	// возможен только с inline definition.
	Catalog *definition.Catalog

	// Approvals — nil отключает /approvals.
	Approvals approval.Service

	// Runs — хранилище снапшотов для списка завершённых runs.
	Runs repo.SnapshotStore

	Schedules ScheduleLister

	// Publisher — при наличии POST /runs с async=true публикует
	// запрос в очередь вместо прямого Submit.
	Publisher RunRequestPublisher

	// Registerer — регистратор HTTP-метрик (nil — приватный реестр).
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Handler{
		orch:      cfg.Orchestrator,
		catalog:   cfg.Catalog,
		approvals: cfg.Approvals,
		runs:      cfg.Runs,
		schedules: cfg.Schedules,
		publisher: cfg.Publisher,
		metrics:   newHTTPMetrics(reg),
		logger:    logger,
	}
}

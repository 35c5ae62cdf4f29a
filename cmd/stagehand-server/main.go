// Stagehand Server — выполняет pipelines и обслуживает HTTP API.
//
// Server:
//   - Загружает определения pipelines из PIPELINES_DIR и следит за изменениями
//   - Выполняет runs в оркестраторе (executors: prompt, http, transform, delay)
//   - Продолжает незавершённые runs из хранилища снапшотов после рестарта
//   - Принимает запросы на запуск и решения approvals из RabbitMQ (если задан RABBITMQ_URL)
//   - Публикует события жизненного цикла в exchange stagehand.events
//   - Обслуживает /api/v1, /healthz и /metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Stagehand/internal/api"
	"github.com/shaiso/Stagehand/internal/definition"
	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/orchestrator"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

var startTime = time.Now()

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("stagehand-server")
	logger.Info("starting stagehand-server")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfigFromEnv("stagehand-server"))
	if err != nil {
		logger.Error("failed to setup tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	// Хранилище снапшотов, approvals, расписания
	stores, err := openDeps(ctx, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	// Каталог определений
	catalog := definition.NewCatalog(definition.CatalogConfig{
		Dir:    envOr("PIPELINES_DIR", "./pipelines"),
		Logger: logger,
		OnReload: func(defs []*domain.PipelineDef) {
			logger.Info("pipeline catalog reloaded", "pipelines", len(defs))
		},
	})
	if err := catalog.Load(); err != nil {
		logger.Warn("some pipeline definitions were skipped", "error", err)
	}
	logger.Info("pipeline catalog loaded", "pipelines", len(catalog.List()))

	go func() {
		if err := catalog.Watch(ctx); err != nil {
			logger.Warn("pipeline watcher stopped", "error", err)
		}
	}()

	// RabbitMQ (опционально)
	var (
		mqConn    *mq.Connection
		publisher *mq.Publisher
		events    orchestrator.EventSink
	)
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		mqConn, err = dialMQ(ctx, url, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running without message queue", "error", err)
		} else {
			defer mqConn.Close()
			publisher = mq.NewPublisher(mqConn, logger)
			events = mq.NewEventSink(publisher)
			logger.Info("RabbitMQ connected")
		}
	}

	// Оркестратор
	orch := orchestrator.New(orchestrator.Config{
		Executor:         newExecutors(logger),
		Approvals:        stores.provider,
		Store:            stores.store,
		Events:           events,
		ConcurrencyLimit: envInt("CONCURRENCY_LIMIT", 0),
		Registerer:       prometheus.DefaultRegisterer,
		Logger:           logger,
	})
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Stop()

	restoreRuns(ctx, orch, stores.store, catalog, logger)

	if mqConn != nil {
		startConsumers(ctx, mqConn, orch, catalog, stores.service, logger)
	}

	// HTTP API
	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Catalog:      catalog,
		Approvals:    stores.service,
		Runs:         stores.store,
		Schedules:    stores.schedules,
		Publisher:    publisherOrNil(publisher),
		Registerer:   prometheus.DefaultRegisterer,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orch.IsStopped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	addr := ":" + envOr("API_PORT", "8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stagehand-server stopped")
}

// publisherOrNil не даёт nil *mq.Publisher превратиться в ненулевой интерфейс.
func publisherOrNil(p *mq.Publisher) api.RunRequestPublisher {
	if p == nil {
		return nil
	}
	return p
}

// Stagehand Scheduler — публикует запросы на запуск pipelines по cron.
//
// Scheduler:
//   - Синхронизирует расписания с полем schedule определений из PIPELINES_DIR
//   - Раз в секунду выбирает наступившие расписания и публикует run.requested
//   - При DB_URL хранит состояние в Postgres и выбирает лидера через advisory lock,
//     иначе работает в памяти одним экземпляром
//   - Без RABBITMQ_URL отправляет запросы напрямую в API (STAGEHAND_API_URL)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Stagehand/internal/cli"
	"github.com/shaiso/Stagehand/internal/definition"
	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/scheduler"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("stagehand-scheduler")
	logger.Info("starting stagehand-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище расписаний и выбор лидера
	var (
		store  scheduler.Store
		leader scheduler.LeaderFunc
	)
	if os.Getenv("DB_URL") != "" {
		pool, err := repo.NewPool(ctx)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pgLeader := scheduler.NewPGLeader(pool, scheduler.DefaultLockKey)
		defer pgLeader.Release(context.Background())

		store = repo.NewScheduleRepo(pool)
		leader = pgLeader.IsLeader
		logger.Info("connected to database, leader election enabled")
	} else {
		store = scheduler.NewMemoryStore()
		logger.Warn("DB_URL not set, schedules kept in memory")
	}

	// Получатель запросов на запуск
	requester, closeRequester, err := newRequester(ctx, logger)
	if err != nil {
		logger.Error("failed to setup run requester", "error", err)
		os.Exit(1)
	}
	defer closeRequester()

	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Requester:  requester,
		Leader:     leader,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger,
	})

	// Расписания из определений; Sync повторяется при каждой перезагрузке каталога
	catalog := definition.NewCatalog(definition.CatalogConfig{
		Dir:    envOr("PIPELINES_DIR", "./pipelines"),
		Logger: logger,
		OnReload: func(defs []*domain.PipelineDef) {
			if err := sched.Sync(ctx, defs); err != nil {
				logger.Warn("schedule sync finished with errors", "error", err)
			}
		},
	})
	if err := catalog.Load(); err != nil {
		logger.Warn("some pipeline definitions were skipped", "error", err)
	}
	if err := sched.Sync(ctx, catalog.List()); err != nil {
		logger.Warn("schedule sync finished with errors", "error", err)
	}

	go func() {
		if err := catalog.Watch(ctx); err != nil {
			logger.Warn("pipeline watcher stopped", "error", err)
		}
	}()

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
			cancel()
		}
	}()

	// HTTP: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + envOr("SCHED_PORT", "8081")
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

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stagehand-scheduler stopped")
}

// newRequester выбирает транспорт запросов: RabbitMQ или HTTP API.
func newRequester(ctx context.Context, logger *slog.Logger) (scheduler.Requester, func(), error) {
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		conn, err := mq.Dial(dialCtx, mq.ConnectionConfig{URL: url, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		if err := mq.SetupTopology(conn); err != nil {
			conn.Close()
			return nil, nil, err
		}
		logger.Info("RabbitMQ connected")
		return mq.NewPublisher(conn, logger), func() { conn.Close() }, nil
	}

	apiURL := envOr("STAGEHAND_API_URL", "http://localhost:8080")
	client := cli.NewClient(apiURL)
	logger.Info("RABBITMQ_URL not set, requesting runs over HTTP", "api_url", apiURL)

	return scheduler.RequesterFunc(func(_ context.Context, req mq.RunRequest) error {
		_, err := client.StartRun(cli.StartRunRequest{
			Pipeline:       req.Pipeline,
			Inputs:         req.Inputs,
			IdempotencyKey: req.IdempotencyKey,
		})
		return err
	}), func() {}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stagehand/internal/api"
	"github.com/shaiso/Stagehand/internal/approval"
	"github.com/shaiso/Stagehand/internal/definition"
	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/orchestrator"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/worker"
)

// deps — хранилища, выбранные по STORE_DRIVER и APPROVAL_MODE.
type deps struct {
	store     repo.SnapshotStore
	provider  orchestrator.ApprovalProvider
	service   approval.Service
	schedules api.ScheduleLister

	closers []func()
}

// Close освобождает ресурсы в обратном порядке.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// openDeps открывает хранилище снапшотов и approval-провайдер.
//
// STORE_DRIVER: memory (default), badger, postgres.
// APPROVAL_MODE: manual (default), auto, postgres.
func openDeps(ctx context.Context, logger *slog.Logger) (*deps, error) {
	d := &deps{}

	var pool *pgxpool.Pool
	getPool := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := repo.NewPool(ctx)
		if err != nil {
			return nil, err
		}
		pool = p
		d.closers = append(d.closers, p.Close)
		logger.Info("connected to database")
		return pool, nil
	}

	driver := envOr("STORE_DRIVER", "memory")
	switch driver {
	case "memory":
		d.store = repo.NewMemoryStore()
	case "badger":
		cfg := repo.DefaultBadgerConfig(envOr("BADGER_PATH", "./data/snapshots"))
		cfg.Logger = logger
		bs, err := repo.OpenBadger(cfg)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open badger: %w", err)
		}
		d.store = bs
		d.closers = append(d.closers, func() {
			if err := bs.Close(); err != nil {
				logger.Warn("badger close error", "error", err)
			}
		})
	case "postgres":
		p, err := getPool()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		d.store = repo.NewSnapshotRepo(p)
		d.schedules = repo.NewScheduleRepo(p)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}

	mode := envOr("APPROVAL_MODE", "manual")
	switch mode {
	case "manual":
		m := approval.NewManual(logger)
		d.provider, d.service = m, m
	case "auto":
		d.provider = approval.AutoApprove{}
	case "postgres":
		p, err := getPool()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		pp := approval.NewPollingProvider(approval.PollingConfig{
			Store:  repo.NewApprovalRepo(p),
			Logger: logger,
		})
		d.provider, d.service = pp, pp
	default:
		d.Close()
		return nil, fmt.Errorf("unknown APPROVAL_MODE %q", mode)
	}

	logger.Info("storage configured", "store", driver, "approvals", mode)
	return d, nil
}

// newExecutors собирает реестр executor'ов. prompt доступен при OPENAI_API_KEY.
func newExecutors(logger *slog.Logger) *worker.Registry {
	reg := worker.NewRegistry()
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		reg.Register("prompt", worker.NewPromptExecutor(worker.PromptConfig{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Model:   os.Getenv("OPENAI_MODEL"),
			Logger:  logger,
		}))
	} else {
		logger.Warn("OPENAI_API_KEY not set, prompt stages will fail")
	}
	logger.Info("executors registered", "types", reg.Types())
	return reg
}

// dialMQ подключается к RabbitMQ и объявляет топологию.
func dialMQ(ctx context.Context, url string, logger *slog.Logger) (*mq.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := mq.Dial(dialCtx, mq.ConnectionConfig{URL: url, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := mq.SetupTopology(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	return conn, nil
}

// startConsumers запускает consumers runs.requested и approvals.decided.
func startConsumers(ctx context.Context, conn *mq.Connection, orch *orchestrator.Orchestrator, catalog *definition.Catalog, service approval.Service, logger *slog.Logger) {
	consumers := []*mq.Consumer{
		mq.NewConsumer(conn, mq.ConsumerConfig{
			Queue:    mq.QueueRunsRequested,
			Handler:  mq.RunRequestHandler(submitFromCatalog(orch, catalog, logger)),
			Prefetch: 10,
			Logger:   logger,
		}),
	}
	if service != nil {
		consumers = append(consumers, mq.NewConsumer(conn, mq.ConsumerConfig{
			Queue:   mq.QueueApprovalDecided,
			Handler: mq.ApprovalDecisionHandler(service),
			Logger:  logger,
		}))
	}

	for _, c := range consumers {
		go func() {
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consumer stopped", "error", err)
			}
		}()
	}
}

// submitFromCatalog запускает run по имени pipeline из каталога.
//
// Неизвестный pipeline и некорректное определение не исправятся
// повторной доставкой, поэтому сообщение уходит в DLQ.
func submitFromCatalog(orch *orchestrator.Orchestrator, catalog *definition.Catalog, logger *slog.Logger) mq.SubmitFunc {
	return func(ctx context.Context, req mq.RunRequest) error {
		def, err := catalog.Get(req.Pipeline)
		if err != nil {
			return fmt.Errorf("%w: %v", mq.ErrDrop, err)
		}

		run, err := orch.Submit(ctx, def, orchestrator.SubmitOptions{
			Inputs:         req.Inputs,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			if errors.Is(err, orchestrator.ErrInvalidPipeline) {
				return fmt.Errorf("%w: %v", mq.ErrDrop, err)
			}
			return err
		}

		logger.Info("run requested",
			"run_id", run.ID,
			"pipeline", req.Pipeline,
			"requested_by", req.RequestedBy,
		)
		return nil
	}
}

// restoreRuns продолжает незавершённые runs из хранилища.
func restoreRuns(ctx context.Context, orch *orchestrator.Orchestrator, store repo.SnapshotStore, catalog *definition.Catalog, logger *slog.Logger) {
	restored := 0
	for _, status := range []domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning, domain.RunStatusPaused} {
		runs, err := store.List(ctx, repo.RunFilter{Status: &status})
		if err != nil {
			logger.Error("failed to list unfinished runs", "status", status, "error", err)
			continue
		}

		for _, r := range runs {
			log := logger.With("run_id", r.ID, "pipeline", r.Pipeline)

			def, err := catalog.Get(r.Pipeline)
			if err != nil {
				log.Warn("cannot restore run, pipeline not in catalog", "error", err)
				continue
			}
			snap, err := store.Load(ctx, r.ID)
			if err != nil {
				log.Warn("cannot load snapshot", "error", err)
				continue
			}
			if _, err := orch.Restore(ctx, def, snap); err != nil {
				log.Warn("cannot restore run", "error", err)
				continue
			}
			restored++
		}
	}
	if restored > 0 {
		logger.Info("unfinished runs restored", "count", restored)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

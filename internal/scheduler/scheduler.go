package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/repo"
)

const (
	defaultBatchSize = 100
	defaultInterval  = time.Second
)

// Requester доставляет запрос на запуск (mq.Publisher или прямой Submit).
type Requester interface {
	PublishRunRequest(ctx context.Context, req mq.RunRequest) error
}

// RequesterFunc адаптирует функцию к Requester.
type RequesterFunc func(ctx context.Context, req mq.RunRequest) error

func (f RequesterFunc) PublishRunRequest(ctx context.Context, req mq.RunRequest) error {
	return f(ctx, req)
}

// LeaderFunc сообщает, может ли экземпляр выполнять тик.
type LeaderFunc func(ctx context.Context) (bool, error)

// Config — конфигурация Scheduler.
type Config struct {
	Store     Store
	Requester Requester

	// Leader — выбор лидера (nil — экземпляр всегда лидер).
	Leader LeaderFunc

	// BatchSize — расписаний за один тик. По умолчанию 100.
	BatchSize int

	// Interval — период тиков Run. По умолчанию 1s.
	Interval time.Duration

	// Registerer — регистратор метрик (nil — приватный реестр).
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Scheduler публикует запросы на запуск pipelines по cron-расписаниям.
type Scheduler struct {
	store     Store
	requester Requester
	leader    LeaderFunc
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	requested prometheus.Counter
	failures  prometheus.Counter

	// now подменяется в тестах.
	now func() time.Time
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	factory := promauto.With(cfg.Registerer)
	return &Scheduler{
		store:     cfg.Store,
		requester: cfg.Requester,
		leader:    cfg.Leader,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		logger:    cfg.Logger.With("component", "scheduler"),
		requested: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_scheduler_runs_requested_total",
			Help: "Run requests published by the scheduler",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_scheduler_failures_total",
			Help: "Schedules that failed to be processed",
		}),
		now: time.Now,
	}
}

// Sync приводит расписания в Store к определениям pipelines.
//
// Pipelines со Schedule получают (или сохраняют) расписание, расписания
// pipelines без Schedule удаляются. Некорректные cron-выражения
// пропускаются и возвращаются ошибкой.
func (s *Scheduler) Sync(ctx context.Context, defs []*domain.PipelineDef) error {
	now := s.now()
	wanted := make(map[string]bool)
	var errs []error

	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}

		sched := &domain.Schedule{
			Pipeline: def.Name,
			CronExpr: def.Schedule,
			Enabled:  true,
			Inputs:   def.Inputs,
		}
		next, err := NextDue(sched, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", def.Name, err))
			continue
		}
		sched.NextDueAt = &next

		if err := s.store.Upsert(ctx, sched); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", def.Name, err))
			continue
		}
		wanted[def.Name] = true
	}

	existing, err := s.store.List(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list schedules: %w", err))...)
	}
	for _, sched := range existing {
		if wanted[sched.Pipeline] {
			continue
		}
		if err := s.store.Delete(ctx, sched.Pipeline); err != nil && !errors.Is(err, repo.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete schedule %s: %w", sched.Pipeline, err))
			continue
		}
		s.logger.Info("schedule removed", "pipeline", sched.Pipeline)
	}

	s.logger.Info("schedules synced", "scheduled", len(wanted), "errors", len(errs))
	return errors.Join(errs...)
}

// Tick обрабатывает расписания, срок которых наступил.
// Возвращает число опубликованных запросов.
//
// Ошибка одного расписания не блокирует остальные.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.store.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var published int
	for i := range due {
		ok, err := s.process(ctx, &due[i], now)
		if err != nil {
			s.failures.Inc()
			s.logger.Error("failed to process schedule",
				"pipeline", due[i].Pipeline,
				"error", err,
			)
			continue
		}
		if ok {
			published++
		}
	}

	s.logger.Info("scheduler tick completed", "due", len(due), "requested", published)
	return published, nil
}

// process публикует запрос и сдвигает NextDueAt.
//
// Запрос публикуется до записи RecordRun: при сбое между ними
// повторная публикация отсекается ключом идемпотентности в оркестраторе.
func (s *Scheduler) process(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	key := IdempotencyKey(sched.Pipeline, *sched.NextDueAt)

	next, err := NextDue(sched, now)
	if err != nil {
		return false, fmt.Errorf("next due: %w", err)
	}

	if sched.LastRunKey == key {
		// Запрос уже опубликован, но NextDueAt не сдвинулся.
		return false, s.record(ctx, sched.Pipeline, key, next)
	}

	req := mq.RunRequest{
		Pipeline:       sched.Pipeline,
		Inputs:         sched.Inputs,
		IdempotencyKey: key,
		RequestedBy:    "scheduler",
	}
	if err := s.requester.PublishRunRequest(ctx, req); err != nil {
		return false, fmt.Errorf("publish run request: %w", err)
	}
	s.requested.Inc()

	s.logger.Info("run requested",
		"pipeline", sched.Pipeline,
		"idempotency_key", key,
		"next_due_at", next,
	)
	return true, s.record(ctx, sched.Pipeline, key, next)
}

func (s *Scheduler) record(ctx context.Context, pipeline, key string, next time.Time) error {
	err := s.store.RecordRun(ctx, pipeline, key, next)
	if errors.Is(err, repo.ErrAlreadyExists) {
		s.logger.Debug("run already recorded", "pipeline", pipeline, "idempotency_key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Run вызывает Tick с периодом Interval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		if s.leader != nil {
			ok, err := s.leader(ctx)
			if err != nil {
				s.logger.Warn("leader check failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
		}

		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}

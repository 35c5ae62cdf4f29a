package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/quality"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/worker"
)

// Default configuration values.
const (
	defaultConcurrencyLimit = 10
	defaultMaxRetries       = 3
	defaultTimeout          = 1800 * time.Second
	defaultBackoffBase      = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultRetainFinished   = 24 * time.Hour
	defaultCleanupInterval  = time.Hour
	defaultSnapshotInterval = 5 * time.Second
	defaultSaveTimeout      = 10 * time.Second
	withdrawTimeout         = 5 * time.Second
)

// Orchestrator управляет выполнением runs.
//
// Orchestrator — центральный компонент системы, который:
//   - Валидирует определение pipeline и строит граф стадий
//   - Запускает готовые units с ограничением параллелизма
//   - Применяет таймауты, retry, quality gate и approval gate
//   - Ведёт Orchestration Context
//   - Финализирует runs (COMPLETED/FAILED/CANCELLED)
//
// Каждый run живёт в реестре конкретного экземпляра Orchestrator,
// глобального состояния нет.
type Orchestrator struct {
	executor   worker.Executor
	quality    *quality.Engine
	approvals  ApprovalProvider
	store      Store
	events     EventSink
	transforms *worker.Transforms
	metrics    *metrics

	concurrency      int
	defaultRetries   int
	defaultTimeout   time.Duration
	backoffBase      time.Duration
	maxBackoff       time.Duration
	retainFinished   time.Duration
	cleanupInterval  time.Duration
	snapshotInterval time.Duration

	// Active runs — runs в реестре (runID → state).
	activeRuns map[string]*RunState
	byKey      map[string]string
	mu         sync.RWMutex

	// Lifecycle
	logger     *slog.Logger
	baseCtx    context.Context
	cancelFunc context.CancelCauseFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Executor — Work Executor (обычно *worker.Registry). Обязателен.
	Executor worker.Executor

	// Quality — Quality Gate Engine (default: quality.New с DefaultPolicy).
	Quality *quality.Engine

	// Approvals — провайдер решений для стадий с approval_required.
	Approvals ApprovalProvider

	// Store — хранилище снапшотов (nil — без персистентности).
	Store Store

	// Events — получатель событий (nil — события отбрасываются).
	Events EventSink

	// Transforms — именованные трансформации артефактов (default: worker.NewTransforms).
	Transforms *worker.Transforms

	ConcurrencyLimit  int           // максимум RUNNING units в run (default: 10)
	DefaultMaxRetries *int          // retry по умолчанию (default: 3)
	DefaultTimeout    time.Duration // таймаут попытки по умолчанию (default: 1800s)
	BackoffBase       time.Duration // база экспоненциального backoff (default: 1s)
	MaxBackoff        time.Duration // потолок backoff (default: 30s)
	RetainFinished    time.Duration // сколько держать завершённые runs в памяти (default: 24h)
	CleanupInterval   time.Duration // интервал очистки реестра (default: 1h)
	SnapshotInterval  time.Duration // интервал сохранения активных runs (default: 5s)

	// Registerer — регистратор Prometheus-метрик (nil — приватный реестр).
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	qe := cfg.Quality
	if qe == nil {
		qe = quality.New(quality.Config{Logger: logger})
	}

	transforms := cfg.Transforms
	if transforms == nil {
		transforms = worker.NewTransforms()
	}

	var events EventSink = nopSink{}
	if cfg.Events != nil {
		events = cfg.Events
	}

	retries := defaultMaxRetries
	if cfg.DefaultMaxRetries != nil {
		retries = *cfg.DefaultMaxRetries
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	return &Orchestrator{
		executor:         cfg.Executor,
		quality:          qe,
		approvals:        cfg.Approvals,
		store:            cfg.Store,
		events:           events,
		transforms:       transforms,
		metrics:          newMetrics(reg),
		concurrency:      positive(cfg.ConcurrencyLimit, defaultConcurrencyLimit),
		defaultRetries:   retries,
		defaultTimeout:   positiveDuration(cfg.DefaultTimeout, defaultTimeout),
		backoffBase:      positiveDuration(cfg.BackoffBase, defaultBackoffBase),
		maxBackoff:       positiveDuration(cfg.MaxBackoff, defaultMaxBackoff),
		retainFinished:   positiveDuration(cfg.RetainFinished, defaultRetainFinished),
		cleanupInterval:  positiveDuration(cfg.CleanupInterval, defaultCleanupInterval),
		snapshotInterval: positiveDuration(cfg.SnapshotInterval, defaultSnapshotInterval),
		activeRuns:       make(map[string]*RunState),
		byKey:            make(map[string]string),
		logger:           logger,
		baseCtx:          ctx,
		cancelFunc:       cancel,
	}
}

// Start запускает фоновые воркеры Orchestrator.
//
// Запускает:
//   - Очистку реестра от завершённых runs
//   - Периодическое сохранение снапшотов активных runs (если задан Store)
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	o.logger.Info("starting orchestrator",
		"concurrency_limit", o.concurrency,
		"retain_finished", o.retainFinished,
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.cleanupLoop(ctx)
	}()

	if o.store != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.snapshotLoop(ctx)
		}()
	}

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и ждёт завершения горутин runs.
//
// Runs не отменяются: выполняющиеся попытки прерываются с причиной
// ErrOrchestratorStopped, их units возвращаются в PENDING, а снапшот
// сохраняется с незавершённым статусом run, чтобы Restore продолжил его
// после рестарта.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	if o.stopped {
		o.stoppedMu.Unlock()
		return
	}
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	o.cancelFunc(ErrOrchestratorStopped)
	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"runs", o.activeCount(),
	)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// SubmitOptions — параметры запуска run.
type SubmitOptions struct {
	// Inputs — входы run; накладываются поверх PipelineDef.Inputs.
	Inputs map[string]any

	// IdempotencyKey — повторный Submit с тем же ключом вернёт существующий run.
	IdempotencyKey string
}

// Submit валидирует определение, создаёт run и запускает его асинхронно.
func (o *Orchestrator) Submit(ctx context.Context, def *domain.PipelineDef, opts SubmitOptions) (*domain.Run, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	if opts.IdempotencyKey != "" {
		if state := o.getByKey(opts.IdempotencyKey); state != nil {
			o.logger.Info("run already submitted",
				"idempotency_key", opts.IdempotencyKey,
				"run_id", state.RunID(),
			)
			run := state.snapshotRun()
			return &run, nil
		}
		if run, ok := o.lookupKey(ctx, opts.IdempotencyKey); ok {
			return run, nil
		}
	}

	graph, err := o.validate(def)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &domain.Run{
		ID:             uuid.NewString(),
		Pipeline:       def.Name,
		Version:        def.Version,
		Status:         domain.RunStatusPending,
		Inputs:         mergeInputs(def.Inputs, opts.Inputs),
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
	}

	state := newRunState(run, def, graph, o.buildUnits(def), o.quality.Policy().WithThresholds(def.Quality))
	o.launch(ctx, state, domain.EventRunCreated)

	out := state.snapshotRun()
	return &out, nil
}

// Run запускает run и ждёт его завершения.
// Возвращает Status и ошибку run (UnitError с типизированной причиной).
func (o *Orchestrator) Run(ctx context.Context, def *domain.PipelineDef, opts SubmitOptions) (*Status, error) {
	run, err := o.Submit(ctx, def, opts)
	if err != nil {
		return nil, err
	}
	return o.Wait(ctx, run.ID)
}

// Wait блокируется до завершения run или отмены ctx.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*Status, error) {
	state := o.getActiveRun(runID)
	if state == nil {
		return o.GetStatus(ctx, runID)
	}

	select {
	case <-state.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return o.statusOf(state), state.Err()
}

// Restore продолжает run из снапшота после рестарта процесса.
//
// COMPLETED units и их записи Context сохраняются, прерванные
// RUNNING/READY units возвращаются в PENDING. FAILED и CANCELLED units
// снова становятся причиной отказа run.
func (o *Orchestrator) Restore(ctx context.Context, def *domain.PipelineDef, snap *domain.Snapshot) (*domain.Run, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}
	if snap.Run.IsFinished() {
		return nil, ErrRunFinished
	}
	if o.isRunActive(snap.Run.ID) {
		return nil, fmt.Errorf("restore %s: %w", snap.Run.ID, ErrRunAlreadyActive)
	}

	graph, err := o.validate(def)
	if err != nil {
		return nil, err
	}

	units := o.buildUnits(def)
	var failed []string
	for _, saved := range snap.Units {
		u, ok := units[saved.ID]
		if !ok {
			continue
		}
		u.RetryCount = saved.RetryCount
		u.Attempts = saved.Attempts
		switch saved.State {
		case domain.UnitStateRunning, domain.UnitStateReady:
			u.State = domain.UnitStatePending
		default:
			u.State = saved.State
			u.ErrorMessage = saved.ErrorMessage
			u.StartTime = saved.StartTime
			u.EndTime = saved.EndTime
			if saved.State == domain.UnitStateFailed || saved.State == domain.UnitStateCancelled {
				failed = append(failed, saved.ID)
			}
		}
	}

	run := snap.Run
	run.Status = domain.RunStatusPending
	state := newRunState(&run, def, graph, units, o.quality.Policy().WithThresholds(def.Quality))
	state.Context = engine.Restore(run.Inputs, def.Metadata, snap.Context)
	for _, id := range failed {
		state.recordFailure(id, restoredFailure(units[id]))
	}

	o.logger.Info("restoring run",
		"run_id", run.ID,
		"completed_units", state.Context.Len(),
	)

	o.launch(ctx, state, domain.EventRunStarted)
	return &run, nil
}


// launch регистрирует run и запускает drive в фоне.
func (o *Orchestrator) launch(ctx context.Context, state *RunState, created domain.EventType) {
	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	state.cancelRun = cancel
	o.addActiveRun(state)

	o.metrics.runsTotal.Inc()
	o.emit(ctx, state, domain.Event{Type: created})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(runCtx, state)
	}()
}

// validate проверяет определение и доступность executor'ов и evaluator'ов.
func (o *Orchestrator) validate(def *domain.PipelineDef) (*engine.Graph, error) {
	if o.executor == nil {
		return nil, fmt.Errorf("%w: no executor configured", ErrInvalidPipeline)
	}

	graph, err := engine.Validate(def)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}

	reg, _ := o.executor.(*worker.Registry)
	for i := range def.Stages {
		stage := &def.Stages[i]
		if reg != nil {
			if _, err := reg.Get(stage.Type); err != nil {
				return nil, fmt.Errorf("%w: %w",
					ErrInvalidPipeline, engine.NewValidationError(stage.ID, "type", err.Error(), err))
			}
		}
		for _, rule := range stage.ValidationRules {
			if !o.quality.HasEvaluator(rule.Type) {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPipeline,
					engine.NewValidationError(stage.ID, "validation_rules", "unknown rule type: "+rule.Type, quality.ErrUnknownRuleType))
			}
		}
	}

	return graph, nil
}

// buildUnits создаёт PENDING units из стадий.
func (o *Orchestrator) buildUnits(def *domain.PipelineDef) map[string]*domain.Unit {
	retries := o.defaultRetries
	timeout := o.defaultTimeout
	if def.Defaults != nil {
		if def.Defaults.MaxRetries != nil {
			retries = *def.Defaults.MaxRetries
		}
		if def.Defaults.TimeoutSec > 0 {
			timeout = time.Duration(def.Defaults.TimeoutSec) * time.Second
		}
	}

	units := make(map[string]*domain.Unit, len(def.Stages))
	for i := range def.Stages {
		stage := &def.Stages[i]

		u := &domain.Unit{
			ID:           stage.ID,
			Name:         stage.DisplayName(),
			Dependencies: append([]string(nil), stage.Dependencies...),
			State:        domain.UnitStatePending,
			MaxRetries:   retries,
			Timeout:      timeout,
			Stage:        stage,
		}
		if stage.MaxRetries != nil {
			u.MaxRetries = *stage.MaxRetries
		}
		if stage.TimeoutSec > 0 {
			u.Timeout = time.Duration(stage.TimeoutSec) * time.Second
		}
		units[stage.ID] = u
	}
	return units
}

// backoff возвращает задержку перед следующей попыткой:
// base × 2^retryCount, не более maxBackoff.
func (o *Orchestrator) backoff(retryCount int) time.Duration {
	d := o.backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= o.maxBackoff {
			return o.maxBackoff
		}
	}
	return d
}

// --- Registry ---

func (o *Orchestrator) addActiveRun(state *RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeRuns[state.RunID()] = state
	if state.Run.IdempotencyKey != "" {
		o.byKey[state.Run.IdempotencyKey] = state.RunID()
	}
}

func (o *Orchestrator) getActiveRun(runID string) *RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeRuns[runID]
}

func (o *Orchestrator) getByKey(key string) *RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if id, ok := o.byKey[key]; ok {
		return o.activeRuns[id]
	}
	return nil
}

// lookupKey ищет run по ключу в Store. Ошибки Store не блокируют Submit.
func (o *Orchestrator) lookupKey(ctx context.Context, key string) (*domain.Run, bool) {
	lookup, ok := o.store.(KeyLookup)
	if !ok {
		return nil, false
	}

	snap, err := lookup.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			o.logger.Warn("idempotency key lookup failed", "idempotency_key", key, "error", err)
		}
		return nil, false
	}

	o.logger.Info("run already submitted",
		"idempotency_key", key,
		"run_id", snap.Run.ID,
	)
	run := snap.Run
	return &run, true
}

func (o *Orchestrator) isRunActive(runID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.activeRuns[runID]
	return ok
}

func (o *Orchestrator) removeActiveRun(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.activeRuns[runID]; ok && state.Run.IdempotencyKey != "" {
		delete(o.byKey, state.Run.IdempotencyKey)
	}
	delete(o.activeRuns, runID)
}

func (o *Orchestrator) activeCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}

// Runs возвращает копии всех runs из реестра.
func (o *Orchestrator) Runs() []domain.Run {
	o.mu.RLock()
	states := make([]*RunState, 0, len(o.activeRuns))
	for _, s := range o.activeRuns {
		states = append(states, s)
	}
	o.mu.RUnlock()

	runs := make([]domain.Run, 0, len(states))
	for _, s := range states {
		runs = append(runs, s.snapshotRun())
	}
	return runs
}

// --- Background workers ---

// cleanupLoop удаляет из реестра runs, завершённые раньше RetainFinished.
func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			o.cleanup(time.Now())
		}
	}
}

// cleanup удаляет завершённые runs старше RetainFinished.
func (o *Orchestrator) cleanup(now time.Time) int {
	o.mu.RLock()
	var expired []string
	for id, s := range o.activeRuns {
		s.mu.RLock()
		fin := s.Run.FinishedAt
		s.mu.RUnlock()
		if fin != nil && now.Sub(*fin) > o.retainFinished {
			expired = append(expired, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range expired {
		o.removeActiveRun(id)
	}
	if len(expired) > 0 {
		o.logger.Info("cleaned up finished runs", "count", len(expired))
	}
	return len(expired)
}

// snapshotLoop периодически сохраняет активные runs.
func (o *Orchestrator) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(o.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			o.mu.RLock()
			states := make([]*RunState, 0, len(o.activeRuns))
			for _, s := range o.activeRuns {
				states = append(states, s)
			}
			o.mu.RUnlock()

			for _, s := range states {
				s.mu.RLock()
				finished := s.Run.IsFinished()
				s.mu.RUnlock()
				if !finished {
					o.save(ctx, s)
				}
			}
		}
	}
}

// save сохраняет снапшот run. Ошибки только логируются.
func (o *Orchestrator) save(ctx context.Context, state *RunState) {
	if o.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSaveTimeout)
	defer cancel()

	if err := o.store.Save(ctx, state.RunID(), state.Snapshot()); err != nil {
		o.logger.Warn("failed to save run snapshot",
			"run_id", state.RunID(),
			"error", err,
		)
	}
}

// emit публикует событие run. Ошибки только логируются.
func (o *Orchestrator) emit(ctx context.Context, state *RunState, ev domain.Event) {
	ev.RunID = state.RunID()
	ev.Pipeline = state.Run.Pipeline
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := o.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("failed to publish event",
			"run_id", ev.RunID,
			"event", ev.Type,
			"error", err,
		)
	}
}

// snapshotRun возвращает копию Run под блокировкой.
func (s *RunState) snapshotRun() domain.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.Run
}

func mergeInputs(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func positiveDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

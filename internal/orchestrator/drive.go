package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/telemetry"
)

// unitLaunch — unit, переведённый в RUNNING и ожидающий запуска горутины.
type unitLaunch struct {
	unitID  string
	attempt int
	timeout time.Duration
	stage   *domain.StageDef
	ctx     context.Context
	cancel  context.CancelCauseFunc
}

// stepResult — результат одного шага планирования.
type stepResult struct {
	launches  []unitLaunch
	skipped   []domain.Unit
	cancelled []string
	next      *time.Time
	finished  bool
	deadlock  bool
}

// drive — цикл планирования одного run.
//
// На каждом шаге под блокировкой RunState вычисляется ReadyBatch,
// готовые units переводятся в RUNNING в пределах ConcurrencyLimit
// и запускаются в errgroup. Цикл засыпает до завершения unit, окончания
// backoff, Resume/Cancel или отмены ctx. Возвращается, когда все units
// терминальны и горутины units завершены.
func (o *Orchestrator) drive(ctx context.Context, s *RunState) {
	ctx, span := tracer.Start(ctx, "orchestrator.drive",
		trace.WithAttributes(
			attribute.String("run.id", s.RunID()),
			attribute.String("pipeline", s.Run.Pipeline),
			attribute.Int("units", s.Graph.Size()),
		),
	)
	defer span.End()

	logger := telemetry.WithPipeline(telemetry.WithRunID(o.logger, s.RunID()), s.Run.Pipeline)

	s.mu.Lock()
	s.Run.MarkRunning()
	s.mu.Unlock()

	o.emit(ctx, s, domain.Event{Type: domain.EventRunStarted})
	logger.Info("run started", "units", s.Graph.Size())

	var group errgroup.Group
	group.SetLimit(o.concurrency)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	ctxDone := ctx.Done()
	var deadlock bool

	for {
		res := o.step(ctx, s)

		for _, u := range res.skipped {
			logger.Info("unit skipped", "unit_id", u.ID, "reason", u.ErrorMessage)
			o.emit(ctx, s, domain.Event{
				Type:   domain.EventUnitSkipped,
				UnitID: u.ID,
				State:  string(u.State),
				Error:  u.ErrorMessage,
			})
		}
		for _, id := range res.cancelled {
			o.emit(ctx, s, domain.Event{
				Type:   domain.EventUnitCancelled,
				UnitID: id,
				State:  string(domain.UnitStateCancelled),
			})
		}

		for _, l := range res.launches {
			l := l
			logger.Info("unit started", "unit_id", l.unitID, "attempt", l.attempt)
			o.emit(ctx, s, domain.Event{
				Type:    domain.EventUnitStarted,
				UnitID:  l.unitID,
				State:   string(domain.UnitStateRunning),
				Attempt: l.attempt,
			})

			o.metrics.unitsRunning.Inc()
			if o.metrics.activeUnits != nil {
				o.metrics.activeUnits.Add(ctx, 1)
			}

			group.Go(func() error {
				o.runUnit(s, l)
				return nil
			})
		}

		if res.finished {
			deadlock = res.deadlock
			break
		}

		var timerC <-chan time.Time
		if res.next != nil {
			timer.Reset(time.Until(*res.next))
			timerC = timer.C
		}

		select {
		case <-s.wake:
		case <-timerC:
		case <-ctxDone:
			ctxDone = nil
			cause := context.Cause(ctx)
			s.mu.Lock()
			if errors.Is(cause, ErrOrchestratorStopped) {
				s.interrupted = true
			} else {
				s.cancelled = true
			}
			s.mu.Unlock()
			logger.Info("run cancellation requested", "cause", cause)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	_ = group.Wait()
	o.finalize(ctx, s, logger, deadlock)

	if s.Run.Status == domain.RunStatusFailed {
		span.SetStatus(codes.Error, s.Run.Error)
	}
}

// step выполняет один шаг планирования под блокировкой RunState.
func (o *Orchestrator) step(ctx context.Context, s *RunState) stepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res stepResult

	if s.cancelled {
		for _, id := range s.Graph.Order() {
			u := s.units[id]
			next, err := engine.Transition(u.State, engine.EventCancel)
			if err != nil || u.State == domain.UnitStateRunning {
				continue
			}
			u.State = next
			u.ErrorMessage = "run cancelled"
			u.NotBefore = nil
			res.cancelled = append(res.cancelled, id)
		}
		res.finished = s.running == 0
		return res
	}

	if s.interrupted {
		res.finished = s.running == 0
		return res
	}

	now := time.Now()
	batch := s.Graph.ReadyBatch(s.units, now)
	res.next = batch.NextEligible
	for _, id := range batch.Skipped {
		res.skipped = append(res.skipped, s.units[id].Clone())
	}

	again := false
	if !s.paused {
		for _, id := range batch.Ready {
			if s.running >= o.concurrency {
				break
			}

			u := s.units[id]
			if u.Stage.Condition != "" {
				data := s.Context.TemplateDataFor(u.Stage.Dependencies)
				ok, err := engine.RenderCondition(u.Stage.Condition, data)
				if err != nil || !ok {
					u.State, _ = engine.Transition(u.State, engine.EventSkip)
					u.ErrorMessage = "condition not met"
					if err != nil {
						u.ErrorMessage = "condition error: " + err.Error()
					}
					res.skipped = append(res.skipped, u.Clone())
					again = true
					continue
				}
			}

			res.launches = append(res.launches, o.start(ctx, s, u, now))
		}
	}

	if again {
		s.notify()
	}

	if s.running > 0 || len(res.launches) > 0 || again {
		return res
	}

	if s.allTerminal() {
		res.finished = true
		return res
	}

	if !s.paused && res.next == nil {
		// Нет готовых, выполняющихся и ожидающих backoff units.
		for _, id := range s.Graph.Order() {
			u := s.units[id]
			if next, err := engine.Transition(u.State, engine.EventSkip); err == nil {
				u.State = next
				u.ErrorMessage = "run deadlock"
				res.skipped = append(res.skipped, u.Clone())
			}
		}
		s.recordFailure("", ErrRunDeadlock)
		res.finished = true
		res.deadlock = true
	}

	return res
}

// start переводит PENDING unit в RUNNING. Вызывать под s.mu.
func (o *Orchestrator) start(ctx context.Context, s *RunState, u *domain.Unit, now time.Time) unitLaunch {
	u.State, _ = engine.Transition(u.State, engine.EventSchedule)
	u.State, _ = engine.Transition(u.State, engine.EventStart)

	u.Attempts++
	started := now
	u.StartTime = &started
	u.EndTime = nil
	u.NotBefore = nil

	unitCtx, cancel := context.WithCancelCause(ctx)
	s.unitCancel[u.ID] = cancel
	s.running++

	return unitLaunch{
		unitID:  u.ID,
		attempt: u.Attempts,
		timeout: u.Timeout,
		stage:   u.Stage,
		ctx:     unitCtx,
		cancel:  cancel,
	}
}

// finalize вычисляет итоговый статус run, сохраняет снапшот и публикует событие.
func (o *Orchestrator) finalize(ctx context.Context, s *RunState, logger *slog.Logger, deadlock bool) {
	s.mu.Lock()
	if s.interrupted && !s.cancelled && !s.allTerminal() {
		status := s.Run.Status
		s.mu.Unlock()

		logger.Info("run interrupted by shutdown", "status", status)
		o.save(ctx, s)
		close(s.done)
		return
	}

	switch {
	case s.cancelled:
		s.Run.MarkCancelled()
	case s.failure != nil:
		s.Run.MarkFailed(s.failure.UnitID, s.failure.Err.Error())
	default:
		s.Run.MarkCompleted()
	}
	status := s.Run.Status
	run := *s.Run
	s.mu.Unlock()

	stats := s.Stats()
	ev := domain.Event{
		State: string(status),
		Data: map[string]any{
			"completed_units": stats.CompletedUnits,
			"total_units":     stats.TotalUnits,
			"duration_ms":     run.Duration().Milliseconds(),
		},
	}

	switch status {
	case domain.RunStatusCompleted:
		ev.Type = domain.EventRunCompleted
		logger.Info("run completed",
			"units", stats.TotalUnits,
			"duration", run.Duration(),
		)
	case domain.RunStatusCancelled:
		ev.Type = domain.EventRunCancelled
		logger.Info("run cancelled",
			"completed_units", stats.CompletedUnits,
			"cancelled_units", stats.CancelledUnits,
		)
	default:
		ev.Type = domain.EventRunFailed
		ev.UnitID = run.FailedUnit
		ev.Error = run.Error
		if deadlock {
			logger.Error("run deadlocked", "error", run.Error)
		} else {
			logger.Warn("run failed",
				"failed_unit", run.FailedUnit,
				"error", run.Error,
				"skipped_units", stats.SkippedUnits,
			)
		}
	}

	o.metrics.runsFinished.WithLabelValues(string(status)).Inc()
	o.save(ctx, s)
	o.emit(ctx, s, ev)

	close(s.done)
}

// isCancellation проверяет, вызвана ли ошибка отменой unit или run.
func isCancellation(err error) bool {
	return errors.Is(err, ErrUnitCancelled)
}

// cancelledError оборачивает причину отмены ctx.
func cancelledError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, ErrUnitCancelled) {
		return ErrUnitCancelled
	}
	return fmt.Errorf("%w: %v", ErrUnitCancelled, cause)
}

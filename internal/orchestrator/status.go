package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/repo"
)

// --- Status API ---

// GetStatus возвращает статус run.
//
// Runs, вытесненные из реестра после RetainFinished, читаются из Store.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*Status, error) {
	if state := o.getActiveRun(runID); state != nil {
		return o.statusOf(state), nil
	}

	if o.store == nil {
		return nil, ErrRunNotFound
	}

	snap, err := o.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return statusFromSnapshot(snap), nil
}

// statusOf строит Status из состояния в памяти.
func (o *Orchestrator) statusOf(s *RunState) *Status {
	st := statusFromSnapshot(s.Snapshot())

	s.mu.RLock()
	if len(s.approvals) > 0 {
		st.PendingApprovals = make(map[string]string, len(s.approvals))
		for unitID, id := range s.approvals {
			st.PendingApprovals[unitID] = id
		}
	}
	s.mu.RUnlock()

	return st
}

// Pause приостанавливает запуск новых units. Выполняющиеся units
// продолжают работу.
func (o *Orchestrator) Pause(_ context.Context, runID string) error {
	s := o.getActiveRun(runID)
	if s == nil {
		return ErrRunNotFound
	}

	s.mu.Lock()
	switch {
	case s.Run.IsFinished():
		s.mu.Unlock()
		return ErrRunFinished
	case s.Run.Status != domain.RunStatusRunning || s.cancelled:
		s.mu.Unlock()
		return ErrRunNotRunning
	}
	s.paused = true
	s.Run.Status = domain.RunStatusPaused
	s.mu.Unlock()

	o.logger.Info("run paused", "run_id", runID)
	o.emit(context.Background(), s, domain.Event{Type: domain.EventRunPaused, State: string(domain.RunStatusPaused)})
	return nil
}

// Resume снимает паузу.
func (o *Orchestrator) Resume(_ context.Context, runID string) error {
	s := o.getActiveRun(runID)
	if s == nil {
		return ErrRunNotFound
	}

	s.mu.Lock()
	switch {
	case s.Run.IsFinished():
		s.mu.Unlock()
		return ErrRunFinished
	case s.Run.Status != domain.RunStatusPaused:
		s.mu.Unlock()
		return ErrRunNotPaused
	}
	s.paused = false
	s.Run.Status = domain.RunStatusRunning
	s.mu.Unlock()

	s.notify()

	o.logger.Info("run resumed", "run_id", runID)
	o.emit(context.Background(), s, domain.Event{Type: domain.EventRunResumed, State: string(domain.RunStatusRunning)})
	return nil
}

// Cancel отменяет run: PENDING/READY units становятся CANCELLED,
// выполняющиеся получают отмену контекста. Повторный Cancel не ошибка.
func (o *Orchestrator) Cancel(_ context.Context, runID string) error {
	s := o.getActiveRun(runID)
	if s == nil {
		return ErrRunNotFound
	}

	s.mu.Lock()
	if s.Run.IsFinished() {
		s.mu.Unlock()
		return ErrRunFinished
	}
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()

	if already {
		return nil
	}

	o.logger.Info("cancelling run", "run_id", runID)
	s.cancelRun(ErrRunCancelled)
	s.notify()
	return nil
}

// CancelUnit отменяет один unit. Run продолжается, зависимые units
// будут SKIPPED.
func (o *Orchestrator) CancelUnit(_ context.Context, runID, unitID string) error {
	s := o.getActiveRun(runID)
	if s == nil {
		return ErrRunNotFound
	}

	s.mu.Lock()
	if s.Run.IsFinished() {
		s.mu.Unlock()
		return ErrRunFinished
	}

	u, ok := s.units[unitID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}

	if u.State == domain.UnitStateRunning {
		cancel := s.unitCancel[unitID]
		s.mu.Unlock()
		if cancel != nil {
			cancel(ErrUnitCancelled)
		}
		o.logger.Info("cancelling unit", "run_id", runID, "unit_id", unitID)
		return nil
	}

	next, err := engine.Transition(u.State, engine.EventCancel)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("cancel unit %s: %w", unitID, err)
	}
	u.State = next
	u.ErrorMessage = ErrUnitCancelled.Error()
	u.NotBefore = nil
	s.recordFailure(unitID, ErrUnitCancelled)
	s.mu.Unlock()

	s.notify()

	o.logger.Info("unit cancelled", "run_id", runID, "unit_id", unitID)
	o.emit(context.Background(), s, domain.Event{
		Type:   domain.EventUnitCancelled,
		UnitID: unitID,
		State:  string(domain.UnitStateCancelled),
	})
	return nil
}

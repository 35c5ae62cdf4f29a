package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/quality"
)

// RunState — состояние выполнения одного run в памяти.
//
// RunState создаётся при Submit и живёт в реестре оркестратора до
// истечения RetainFinished после завершения run.
//
// Единственный писатель состояния units — цикл drive и горутины units,
// которые меняют его только под mu.
type RunState struct {
	// Run — данные run.
	Run *domain.Run

	// Def — определение pipeline.
	Def *domain.PipelineDef

	// Graph — граф зависимостей стадий.
	Graph *engine.Graph

	// Context — Orchestration Context с outputs завершённых units.
	Context *engine.Context

	units  map[string]*domain.Unit
	policy quality.Policy

	// running — количество units в RUNNING.
	running int

	// unitCancel — отмена текущей попытки unit (unitID → cancel).
	unitCancel map[string]context.CancelCauseFunc

	// approvals — ожидающие решения запросы (unitID → approvalID).
	approvals map[string]string

	// failure — первая ошибка, приведшая run к FAILED.
	failure *UnitError

	cancelRun context.CancelCauseFunc
	paused    bool
	cancelled bool

	// interrupted — run прерван остановкой оркестратора и будет продолжен
	// через Restore; терминальный статус ему не присваивается.
	interrupted bool

	wake chan struct{}
	done chan struct{}

	mu sync.RWMutex
}

func newRunState(run *domain.Run, def *domain.PipelineDef, graph *engine.Graph, units map[string]*domain.Unit, policy quality.Policy) *RunState {
	return &RunState{
		Run:        run,
		Def:        def,
		Graph:      graph,
		Context:    engine.NewContext(run.Inputs, def.Metadata),
		units:      units,
		policy:     policy,
		unitCancel: make(map[string]context.CancelCauseFunc),
		approvals:  make(map[string]string),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// RunID возвращает ID run.
func (s *RunState) RunID() string {
	return s.Run.ID
}

// Done закрывается, когда run достиг терминального статуса.
func (s *RunState) Done() <-chan struct{} {
	return s.done
}

// notify будит цикл drive. Не блокируется.
func (s *RunState) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Unit возвращает копию unit.
func (s *RunState) Unit(unitID string) (domain.Unit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.units[unitID]
	if !ok {
		return domain.Unit{}, false
	}
	return u.Clone(), true
}

// Units возвращает копии всех units в порядке ID.
func (s *RunState) Units() []domain.Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unitsLocked()
}

func (s *RunState) unitsLocked() []domain.Unit {
	out := make([]domain.Unit, 0, len(s.units))
	for _, id := range s.Graph.IDs() {
		if u, ok := s.units[id]; ok {
			out = append(out, u.Clone())
		}
	}
	return out
}

// allTerminal проверяет, что все units в терминальном состоянии. Вызывать под mu.
func (s *RunState) allTerminal() bool {
	for _, u := range s.units {
		if !u.State.IsTerminal() {
			return false
		}
	}
	return true
}

// recordFailure запоминает первую ошибку run. Вызывать под mu.
func (s *RunState) recordFailure(unitID string, err error) {
	if s.failure == nil {
		s.failure = &UnitError{UnitID: unitID, Err: err}
	}
}

// Err возвращает ошибку run (nil для COMPLETED).
func (s *RunState) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.interrupted && !s.Run.IsFinished() {
		return ErrOrchestratorStopped
	}

	switch s.Run.Status {
	case domain.RunStatusCancelled:
		return ErrRunCancelled
	case domain.RunStatusFailed:
		if s.failure != nil {
			return s.failure
		}
		return &UnitError{UnitID: s.Run.FailedUnit, Err: ErrUnitExecution}
	}
	return nil
}

// Snapshot возвращает сериализуемое состояние run.
func (s *RunState) Snapshot() *domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &domain.Snapshot{
		Run:     *s.Run,
		Units:   s.unitsLocked(),
		Context: s.Context.Entries(),
		SavedAt: time.Now().UTC(),
	}
}

// Stats возвращает статистику выполнения.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RunStats{TotalUnits: len(s.units)}
	for _, u := range s.units {
		switch u.State {
		case domain.UnitStateCompleted:
			stats.CompletedUnits++
		case domain.UnitStateRunning:
			stats.RunningUnits++
		case domain.UnitStateFailed:
			stats.FailedUnits++
		case domain.UnitStateSkipped:
			stats.SkippedUnits++
		case domain.UnitStateCancelled:
			stats.CancelledUnits++
		default:
			stats.PendingUnits++
		}
	}
	return stats
}

// RunStats — статистика выполнения run.
type RunStats struct {
	TotalUnits     int
	CompletedUnits int
	RunningUnits   int
	FailedUnits    int
	SkippedUnits   int
	CancelledUnits int
	PendingUnits   int
}

// Status — ответ Status API.
type Status struct {
	RunID          string           `json:"run_id"`
	Pipeline       string           `json:"pipeline"`
	State          domain.RunStatus `json:"state"`
	CurrentUnits   []string         `json:"current_units"`
	CompletedUnits []string         `json:"completed_units"`
	Progress       float64          `json:"progress"`
	FailedUnit     string           `json:"failed_unit,omitempty"`
	Error          string           `json:"error,omitempty"`
	StartTime      *time.Time       `json:"start_time,omitempty"`
	EndTime        *time.Time       `json:"end_time,omitempty"`
	Units          []domain.Unit    `json:"units"`

	// PendingApprovals — ожидающие решения запросы (unitID → approvalID).
	PendingApprovals map[string]string `json:"pending_approvals,omitempty"`
}

// statusFromSnapshot строит Status из снапшота.
func statusFromSnapshot(snap *domain.Snapshot) *Status {
	st := &Status{
		RunID:          snap.Run.ID,
		Pipeline:       snap.Run.Pipeline,
		State:          snap.Run.Status,
		CurrentUnits:   []string{},
		CompletedUnits: []string{},
		Progress:       snap.Progress(),
		FailedUnit:     snap.Run.FailedUnit,
		Error:          snap.Run.Error,
		StartTime:      snap.Run.StartedAt,
		EndTime:        snap.Run.FinishedAt,
		Units:          snap.Units,
	}
	for _, u := range snap.Units {
		switch u.State {
		case domain.UnitStateRunning:
			st.CurrentUnits = append(st.CurrentUnits, u.ID)
		case domain.UnitStateCompleted:
			st.CompletedUnits = append(st.CompletedUnits, u.ID)
		}
	}
	sort.Strings(st.CurrentUnits)
	sort.Strings(st.CompletedUnits)
	return st
}

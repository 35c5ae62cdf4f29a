package engine

import (
	"fmt"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Event — событие жизненного цикла unit.
type Event string

const (
	// EventSchedule — планировщик выбрал unit в ready-batch.
	EventSchedule Event = "schedule"

	// EventStart — работа запущена.
	EventStart Event = "start"

	// EventSucceed — работа, quality gate и approval пройдены.
	EventSucceed Event = "succeed"

	// EventRetry — попытка неуспешна, retry ещё доступны.
	EventRetry Event = "retry"

	// EventFail — попытка неуспешна и retry больше не положены.
	EventFail Event = "fail"

	// EventCancel — отмена unit или run.
	EventCancel Event = "cancel"

	// EventSkip — зависимость завершилась неуспешно или условие ложно.
	EventSkip Event = "skip"
)

// transitions — таблица допустимых переходов.
var transitions = map[domain.UnitState]map[Event]domain.UnitState{
	domain.UnitStatePending: {
		EventSchedule: domain.UnitStateReady,
		EventCancel:   domain.UnitStateCancelled,
		EventSkip:     domain.UnitStateSkipped,
	},
	domain.UnitStateReady: {
		EventStart:  domain.UnitStateRunning,
		EventCancel: domain.UnitStateCancelled,
	},
	domain.UnitStateRunning: {
		EventSucceed: domain.UnitStateCompleted,
		EventRetry:   domain.UnitStatePending,
		EventFail:    domain.UnitStateFailed,
		EventCancel:  domain.UnitStateCancelled,
	},
}

// Transition возвращает новое состояние для пары (состояние, событие).
// Чистая функция: не зависит ни от чего, кроме аргументов.
func Transition(from domain.UnitState, ev Event) (domain.UnitState, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// CanTransition проверяет, допустимо ли событие в состоянии.
func CanTransition(from domain.UnitState, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}

package domain

// UnitState — состояние единицы выполнения (стадии pipeline).
//
// Жизненный цикл:
//
//	PENDING → READY → RUNNING → COMPLETED
//	                          ↘ PENDING (retry, после backoff)
//	                          ↘ FAILED
//	                          ↘ CANCELLED
//	PENDING → SKIPPED (зависимость завершилась неуспешно)
//	PENDING → CANCELLED
type UnitState string

const (
	// UnitStatePending — unit ожидает готовности зависимостей.
	UnitStatePending UnitState = "PENDING"

	// UnitStateReady — все зависимости COMPLETED, unit выбран планировщиком.
	UnitStateReady UnitState = "READY"

	// UnitStateRunning — unit выполняется.
	UnitStateRunning UnitState = "RUNNING"

	// UnitStateCompleted — unit успешно завершён.
	UnitStateCompleted UnitState = "COMPLETED"

	// UnitStateFailed — unit завершился с ошибкой (после всех retry).
	UnitStateFailed UnitState = "FAILED"

	// UnitStateCancelled — unit отменён.
	UnitStateCancelled UnitState = "CANCELLED"

	// UnitStateSkipped — unit пропущен из-за неуспешной зависимости или условия.
	UnitStateSkipped UnitState = "SKIPPED"
)

// IsTerminal возвращает true, если состояние финальное.
func (s UnitState) IsTerminal() bool {
	switch s {
	case UnitStateCompleted, UnitStateFailed, UnitStateCancelled, UnitStateSkipped:
		return true
	default:
		return false
	}
}

// IsUnfavorable возвращает true, если зависимые units должны быть пропущены.
func (s UnitState) IsUnfavorable() bool {
	switch s {
	case UnitStateFailed, UnitStateCancelled, UnitStateSkipped:
		return true
	default:
		return false
	}
}

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//	          RUNNING ⇄ PAUSED
//	          (или) → CANCELLED (из PENDING, RUNNING или PAUSED)
type RunStatus string

const (
	// RunStatusPending — run создан, но ещё не начал выполняться.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusCompleted — все units завершены, ни один не FAILED/CANCELLED.
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed — run завершился с ошибкой.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusPaused — новые units не запускаются, выполняющиеся доживают.
	RunStatusPaused RunStatus = "PAUSED"

	// RunStatusCancelled — run отменён пользователем.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// ApprovalStatus — статус запроса на одобрение.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"

	// ApprovalStatusExpired — попытка unit завершилась раньше решения
	// (таймаут, отмена unit или run); решение больше не принимается.
	ApprovalStatusExpired ApprovalStatus = "EXPIRED"
)

// String возвращает строковое представление ApprovalStatus.
func (s ApprovalStatus) String() string {
	return string(s)
}

// ParseApprovalStatus парсит строку в ApprovalStatus.
func ParseApprovalStatus(s string) ApprovalStatus {
	switch s {
	case "APPROVED":
		return ApprovalStatusApproved
	case "REJECTED":
		return ApprovalStatusRejected
	case "EXPIRED":
		return ApprovalStatusExpired
	default:
		return ApprovalStatusPending
	}
}

// StageType — фаза жизненного цикла разработки, к которой относится стадия.
type StageType string

const (
	StageTypePlanning       StageType = "planning"
	StageTypeRequirements   StageType = "requirements"
	StageTypeDesign         StageType = "design"
	StageTypeImplementation StageType = "implementation"
	StageTypeTesting        StageType = "testing"
	StageTypeDeployment     StageType = "deployment"
	StageTypeMaintenance    StageType = "maintenance"
)

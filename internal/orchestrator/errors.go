package orchestrator

import (
	"errors"
	"strconv"
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Ошибки уровня unit. Подчиняются политике retry.
var (
	// ErrUnitTimeout — попытка превысила таймаут unit.
	ErrUnitTimeout = errors.New("unit timeout")

	// ErrUnitExecution — executor вернул ошибку.
	ErrUnitExecution = errors.New("unit execution error")

	// ErrApprovalRejected — результат стадии отклонён ревьюером.
	ErrApprovalRejected = errors.New("stage approval rejected")

	// ErrQualityGateFailed — outputs не прошли quality gate.
	ErrQualityGateFailed = errors.New("quality gate failed")

	// ErrRetriesExhausted — unit окончательно FAILED после всех попыток.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrUnitCancelled — unit отменён.
	ErrUnitCancelled = errors.New("unit cancelled")
)

// Ошибки уровня run и оркестратора.
var (
	// ErrRunDeadlock — нет готовых и выполняющихся units, но run не завершён.
	// После валидации графа недостижимо; означает ошибку планировщика.
	ErrRunDeadlock = errors.New("run deadlock: circular dependency at runtime")

	// ErrRunCancelled — run отменён через Status API или остановкой оркестратора.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunNotFound — run не найден ни в реестре, ни в хранилище.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyActive — run уже выполняется в этом экземпляре.
	ErrRunAlreadyActive = errors.New("run already active")

	// ErrUnitNotFound — unit не найден в run.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrInvalidPipeline — определение pipeline не прошло валидацию.
	ErrInvalidPipeline = errors.New("invalid pipeline definition")

	// ErrRunFinished — операция недопустима для завершённого run.
	ErrRunFinished = errors.New("run already finished")

	// ErrRunNotRunning — pause для run, который не выполняется.
	ErrRunNotRunning = errors.New("run is not running")

	// ErrRunNotPaused — resume для run, который не на паузе.
	ErrRunNotPaused = errors.New("run is not paused")

	// ErrNoApprovalProvider — стадия требует одобрения, а провайдер не настроен.
	ErrNoApprovalProvider = errors.New("approval required but no approval provider configured")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// TimeoutError — таймаут попытки unit.
type TimeoutError struct {
	Timeout time.Duration
}

// Error возвращает "timed out after <секунды>s".
func (e *TimeoutError) Error() string {
	return "timed out after " + strconv.FormatFloat(e.Timeout.Seconds(), 'f', -1, 64) + "s"
}

// Is позволяет errors.Is(err, ErrUnitTimeout).
func (e *TimeoutError) Is(target error) bool {
	return target == ErrUnitTimeout
}

// UnitError — ошибка run с указанием unit, который её вызвал.
type UnitError struct {
	UnitID string
	Err    error
}

// Error реализует интерфейс error.
func (e *UnitError) Error() string {
	if e.UnitID == "" {
		return e.Err.Error()
	}
	return "unit " + e.UnitID + ": " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *UnitError) Unwrap() error {
	return e.Err
}

// restoredError — причина отказа unit, прочитанная из снапшота.
// Текст совпадает с сохранённым ErrorMessage, класс ошибки — по состоянию unit.
type restoredError struct {
	kind error
	msg  string
}

func (e *restoredError) Error() string { return e.msg }

func (e *restoredError) Unwrap() error { return e.kind }

// restoredFailure восстанавливает причину отказа unit из снапшота.
func restoredFailure(u *domain.Unit) error {
	kind := ErrUnitExecution
	if u.State == domain.UnitStateCancelled {
		kind = ErrUnitCancelled
	}
	if u.ErrorMessage == "" {
		return kind
	}
	return &restoredError{kind: kind, msg: u.ErrorMessage}
}

package engine

import (
	"errors"
	"strings"
)

// Определение pipeline отвергается с одной из этих ошибок, обёрнутой в
// *ValidationError.
var (
	ErrEmptyName         = errors.New("pipeline has no name")
	ErrEmptyVersion      = errors.New("pipeline has no version")
	ErrEmptyStages       = errors.New("pipeline has no stages")
	ErrEmptyUnitID       = errors.New("stage has empty ID")
	ErrDuplicateUnitID   = errors.New("duplicate stage ID")
	ErrEmptyUnitType     = errors.New("stage has empty type")
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrCyclicDependency  = errors.New("cyclic dependency detected")
	ErrUnknownSeverity   = errors.New("unknown rule severity")
	ErrUnknownGateType   = errors.New("unknown quality gate type")
)

var (
	ErrTemplateParse  = errors.New("template parse failed")
	ErrTemplateRender = errors.New("template render failed")
)

var (
	// ErrInvalidTransition — событие не допускается таблицей переходов unit.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrEntryExists — повторная запись результата unit в контекст.
	ErrEntryExists = errors.New("context entry already written")
)

// ValidationError указывает стадию и поле определения, из-за которых
// pipeline отвергнут. Err — одна из sentinel-ошибок выше.
type ValidationError struct {
	UnitID  string
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.UnitID != "" {
		b.WriteString("stage ")
		b.WriteString(e.UnitID)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(unitID, field, message string, err error) *ValidationError {
	return &ValidationError{UnitID: unitID, Field: field, Message: message, Err: err}
}

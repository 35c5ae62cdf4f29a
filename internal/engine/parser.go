package engine

import (
	"fmt"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Допустимые типы quality gate.
var validGateTypes = map[domain.GateType]bool{
	domain.GateThreshold:   true,
	domain.GateNoErrors:    true,
	domain.GateMaxWarnings: true,
}

// Validate выполняет полную валидацию PipelineDef.
//
// Проверяет:
// - Наличие имени, версии и стадий
// - Уникальность и непустоту ID стадий
// - Наличие типа исполнителя
// - Важность правил и типы quality gates
// - Валидность зависимостей и отсутствие циклов (делегируется Build)
//
// Возвращает построенный граф, чтобы вызывающему не строить его повторно.
func Validate(def *domain.PipelineDef) (*Graph, error) {
	if def == nil || len(def.Stages) == 0 {
		return nil, ErrEmptyStages
	}
	if def.Name == "" {
		return nil, NewValidationError("", "name", "pipeline name is required", ErrEmptyName)
	}
	if def.Version == "" {
		return nil, NewValidationError("", "version", "pipeline version is required", ErrEmptyVersion)
	}

	for i := range def.Stages {
		if err := ValidateStage(&def.Stages[i]); err != nil {
			return nil, err
		}
	}

	return Build(def.Stages)
}

// ValidateStage валидирует одну стадию без учёта зависимостей.
func ValidateStage(stage *domain.StageDef) error {
	if stage.ID == "" {
		return NewValidationError("", "id", "stage has empty ID", ErrEmptyUnitID)
	}

	if stage.Type == "" {
		return NewValidationError(stage.ID, "type", "stage has empty type", ErrEmptyUnitType)
	}

	for i, rule := range stage.ValidationRules {
		if _, ok := domain.ParseSeverity(string(rule.Severity)); !ok {
			return NewValidationError(stage.ID, "validation_rules",
				fmt.Sprintf("rule %d has unknown severity: %s", i, rule.Severity), ErrUnknownSeverity)
		}
	}

	for i, gate := range stage.QualityGates {
		if !validGateTypes[gate.Type] {
			return NewValidationError(stage.ID, "quality_gates",
				fmt.Sprintf("gate %d has unknown type: %s", i, gate.Type), ErrUnknownGateType)
		}
	}

	return nil
}

package domain

// Severity — важность правила валидации.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ParseSeverity парсит строку в Severity. Пустая строка — error.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "", "error":
		return SeverityError, true
	case "warning":
		return SeverityWarning, true
	case "info":
		return SeverityInfo, true
	default:
		return SeverityError, false
	}
}

// Rule — правило валидации outputs стадии.
type Rule struct {
	// Name — имя правила (ключ в ValidationResult.Details).
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Severity — error, warning или info. По умолчанию error.
	Severity Severity `json:"severity,omitempty" yaml:"severity,omitempty" validate:"omitempty,oneof=error warning info"`

	// Type — тип evaluator'а ("contains_text", "regex_match", ...) или ключ
	// пользовательского evaluator'а.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Parameters — параметры evaluator'а. "key" выбирает ключ outputs.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// GateType — тип quality gate.
type GateType string

const (
	GateThreshold   GateType = "threshold"
	GateNoErrors    GateType = "no_errors"
	GateMaxWarnings GateType = "max_warnings"
)

// Gate — независимое вето после подсчёта score.
type Gate struct {
	Type GateType `json:"type" yaml:"type" validate:"required,oneof=threshold no_errors max_warnings"`

	// Threshold — минимальный score для threshold gate (nil — значение по умолчанию).
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	// MaxWarnings — допустимое количество предупреждений для max_warnings gate.
	MaxWarnings int `json:"max_warnings,omitempty" yaml:"max_warnings,omitempty" validate:"min=0"`
}

// RuleResult — результат одного правила.
type RuleResult struct {
	Passed   bool           `json:"passed"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// ValidationResult — результат оценки outputs стадии.
type ValidationResult struct {
	Passed   bool                  `json:"passed"`
	Errors   []string              `json:"errors"`
	Warnings []string              `json:"warnings"`
	Info     []string              `json:"info"`
	Score    float64               `json:"score"`
	Details  map[string]RuleResult `json:"details"`
}

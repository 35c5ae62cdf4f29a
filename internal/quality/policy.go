package quality

import "github.com/shaiso/Stagehand/internal/domain"

// Значения политики по умолчанию.
const (
	defaultErrorPenalty     = 20.0
	defaultWarningPenalty   = 5.0
	defaultMinimumScore     = 75.0
	defaultErrorThreshold   = 0
	defaultWarningThreshold = 5
	defaultGateThreshold    = 75.0
)

// Policy — веса штрафов и глобальные пороги.
type Policy struct {
	// ErrorPenalty — штраф за каждую ошибку.
	ErrorPenalty float64 `json:"error_penalty"`

	// WarningPenalty — штраф за каждое предупреждение.
	WarningPenalty float64 `json:"warning_penalty"`

	// MinimumScore — глобальный минимальный score.
	MinimumScore float64 `json:"minimum_score"`

	// ErrorThreshold — допустимое количество ошибок.
	ErrorThreshold int `json:"error_threshold"`

	// WarningThreshold — допустимое количество предупреждений.
	WarningThreshold int `json:"warning_threshold"`

	// GateThreshold — порог threshold gate, если в gate он не указан.
	GateThreshold float64 `json:"gate_threshold"`
}

// DefaultPolicy возвращает политику 20/5 с порогами 75/0/5.
func DefaultPolicy() Policy {
	return Policy{
		ErrorPenalty:     defaultErrorPenalty,
		WarningPenalty:   defaultWarningPenalty,
		MinimumScore:     defaultMinimumScore,
		ErrorThreshold:   defaultErrorThreshold,
		WarningThreshold: defaultWarningThreshold,
		GateThreshold:    defaultGateThreshold,
	}
}

// WithThresholds возвращает копию политики с переопределёнными порогами.
func (p Policy) WithThresholds(t *domain.QualityThresholds) Policy {
	if t == nil {
		return p
	}
	if t.MinimumScore != nil {
		p.MinimumScore = *t.MinimumScore
	}
	if t.ErrorThreshold != nil {
		p.ErrorThreshold = *t.ErrorThreshold
	}
	if t.WarningThreshold != nil {
		p.WarningThreshold = *t.WarningThreshold
	}
	return p
}

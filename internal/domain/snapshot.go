package domain

import "time"

// ContextEntry — запись Orchestration Context для завершённого unit.
type ContextEntry struct {
	UnitID      string            `json:"unit_id"`
	Outputs     map[string]any    `json:"outputs"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	Artifacts   []Artifact        `json:"artifacts,omitempty"`
	Status      UnitState         `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Snapshot — сериализуемое состояние run для Artifact/Result Store.
type Snapshot struct {
	Run     Run                     `json:"run"`
	Units   []Unit                  `json:"units"`
	Context map[string]ContextEntry `json:"context,omitempty"`
	SavedAt time.Time               `json:"saved_at"`
}

// Progress возвращает процент завершённых (COMPLETED) units.
func (s *Snapshot) Progress() float64 {
	if len(s.Units) == 0 {
		return 0
	}
	var done int
	for i := range s.Units {
		if s.Units[i].State == UnitStateCompleted {
			done++
		}
	}
	return float64(done) / float64(len(s.Units)) * 100
}

package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Stagehand/internal/domain"
)

func validPipeline() *domain.PipelineDef {
	return &domain.PipelineDef{
		Name:    "feature-delivery",
		Version: "1.0",
		Stages: []domain.StageDef{
			{ID: "requirements", Type: "prompt"},
			{
				ID:           "design",
				Type:         "prompt",
				Dependencies: []string{"requirements"},
				ValidationRules: []domain.Rule{
					{Name: "has-api", Type: "contains_text", Severity: domain.SeverityWarning},
				},
				QualityGates: []domain.Gate{{Type: domain.GateNoErrors}},
			},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	g, err := Validate(validPipeline())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Size() != 2 {
		t.Errorf("expected 2 nodes, got %d", g.Size())
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.PipelineDef)
		want   error
	}{
		{"no stages", func(p *domain.PipelineDef) { p.Stages = nil }, ErrEmptyStages},
		{"no name", func(p *domain.PipelineDef) { p.Name = "" }, ErrEmptyName},
		{"no version", func(p *domain.PipelineDef) { p.Version = "" }, ErrEmptyVersion},
		{"empty id", func(p *domain.PipelineDef) { p.Stages[0].ID = "" }, ErrEmptyUnitID},
		{"empty type", func(p *domain.PipelineDef) { p.Stages[0].Type = "" }, ErrEmptyUnitType},
		{"duplicate", func(p *domain.PipelineDef) { p.Stages[1].ID = "requirements" }, ErrDuplicateUnitID},
		{"invalid dependency", func(p *domain.PipelineDef) {
			p.Stages[1].Dependencies = []string{"nope"}
		}, ErrInvalidDependency},
		{"cycle", func(p *domain.PipelineDef) {
			p.Stages[0].Dependencies = []string{"design"}
		}, ErrCyclicDependency},
		{"severity", func(p *domain.PipelineDef) {
			p.Stages[1].ValidationRules[0].Severity = "fatal"
		}, ErrUnknownSeverity},
		{"gate", func(p *domain.PipelineDef) {
			p.Stages[1].QualityGates[0].Type = "coverage"
		}, ErrUnknownGateType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPipeline()
			tt.mutate(p)
			if _, err := Validate(p); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	if _, err := Validate(nil); !errors.Is(err, ErrEmptyStages) {
		t.Errorf("expected ErrEmptyStages, got %v", err)
	}
}

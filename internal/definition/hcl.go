package definition

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Схема HCL-файла. Свободные значения (inputs, config, parameters)
// декодируются как cty.Value и переводятся в map[string]any через JSON.

type hclFile struct {
	Pipeline hclPipeline `hcl:"pipeline,block"`
}

type hclPipeline struct {
	Name        string       `hcl:"name,label"`
	Version     string       `hcl:"version"`
	Description string       `hcl:"description,optional"`
	Schedule    string       `hcl:"schedule,optional"`
	Inputs      cty.Value    `hcl:"inputs,optional"`
	Metadata    cty.Value    `hcl:"metadata,optional"`
	Defaults    *hclDefaults `hcl:"defaults,block"`
	Quality     *hclQuality  `hcl:"quality,block"`
	Stages      []hclStage   `hcl:"stage,block"`
}

type hclDefaults struct {
	MaxRetries *int `hcl:"max_retries,optional"`
	TimeoutSec int  `hcl:"timeout_sec,optional"`
}

type hclQuality struct {
	MinimumScore     *float64 `hcl:"minimum_score,optional"`
	ErrorThreshold   *int     `hcl:"error_threshold,optional"`
	WarningThreshold *int     `hcl:"warning_threshold,optional"`
}

type hclStage struct {
	ID                    string        `hcl:"id,label"`
	Name                  string        `hcl:"name,optional"`
	Type                  string        `hcl:"type"`
	StageType             string        `hcl:"stage_type,optional"`
	Description           string        `hcl:"description,optional"`
	Dependencies          []string      `hcl:"dependencies,optional"`
	Condition             string        `hcl:"condition,optional"`
	Config                cty.Value     `hcl:"config,optional"`
	PromptTemplate        string        `hcl:"prompt_template,optional"`
	MaxRetries            *int          `hcl:"max_retries,optional"`
	TimeoutSec            int           `hcl:"timeout_sec,optional"`
	RetryOnTimeout        bool          `hcl:"retry_on_timeout,optional"`
	RetryOnQualityFailure bool          `hcl:"retry_on_quality_failure,optional"`
	ApprovalRequired      bool          `hcl:"approval_required,optional"`
	Reviewers             []string      `hcl:"reviewers,optional"`
	Rules                 []hclRule     `hcl:"rule,block"`
	Gates                 []hclGate     `hcl:"gate,block"`
	Artifacts             []hclArtifact `hcl:"artifact,block"`
}

type hclRule struct {
	Name       string    `hcl:"name,label"`
	Type       string    `hcl:"type"`
	Severity   string    `hcl:"severity,optional"`
	Parameters cty.Value `hcl:"parameters,optional"`
}

type hclGate struct {
	Type        string   `hcl:"type,label"`
	Threshold   *float64 `hcl:"threshold,optional"`
	MaxWarnings int      `hcl:"max_warnings,optional"`
}

type hclArtifact struct {
	Name      string `hcl:"name,label"`
	OutputKey string `hcl:"output_key"`
	Type      string `hcl:"type,optional"`
	Transform string `hcl:"transform,optional"`
}

// decodeHCL декодирует блок pipeline.
func decodeHCL(data []byte, filename string) (*domain.PipelineDef, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}

	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}

	return raw.Pipeline.toDomain()
}

func (p *hclPipeline) toDomain() (*domain.PipelineDef, error) {
	def := &domain.PipelineDef{
		Name:        p.Name,
		Version:     p.Version,
		Description: p.Description,
		Schedule:    p.Schedule,
	}

	var err error
	if def.Inputs, err = ctyToMap(p.Inputs); err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	if def.Metadata, err = ctyToMap(p.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	if p.Defaults != nil {
		def.Defaults = &domain.StageDefaults{
			MaxRetries: p.Defaults.MaxRetries,
			TimeoutSec: p.Defaults.TimeoutSec,
		}
	}
	if p.Quality != nil {
		def.Quality = &domain.QualityThresholds{
			MinimumScore:     p.Quality.MinimumScore,
			ErrorThreshold:   p.Quality.ErrorThreshold,
			WarningThreshold: p.Quality.WarningThreshold,
		}
	}

	def.Stages = make([]domain.StageDef, 0, len(p.Stages))
	for i := range p.Stages {
		stage, err := p.Stages[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", p.Stages[i].ID, err)
		}
		def.Stages = append(def.Stages, stage)
	}

	return def, nil
}

func (s *hclStage) toDomain() (domain.StageDef, error) {
	stage := domain.StageDef{
		ID:                    s.ID,
		Name:                  s.Name,
		Type:                  s.Type,
		StageType:             domain.StageType(s.StageType),
		Description:           s.Description,
		Dependencies:          s.Dependencies,
		Condition:             s.Condition,
		PromptTemplate:        s.PromptTemplate,
		MaxRetries:            s.MaxRetries,
		TimeoutSec:            s.TimeoutSec,
		RetryOnTimeout:        s.RetryOnTimeout,
		RetryOnQualityFailure: s.RetryOnQualityFailure,
		ApprovalRequired:      s.ApprovalRequired,
		Reviewers:             s.Reviewers,
	}

	var err error
	if stage.Config, err = ctyToMap(s.Config); err != nil {
		return stage, fmt.Errorf("config: %w", err)
	}

	for _, r := range s.Rules {
		params, err := ctyToMap(r.Parameters)
		if err != nil {
			return stage, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		stage.ValidationRules = append(stage.ValidationRules, domain.Rule{
			Name:       r.Name,
			Type:       r.Type,
			Severity:   domain.Severity(r.Severity),
			Parameters: params,
		})
	}

	for _, g := range s.Gates {
		stage.QualityGates = append(stage.QualityGates, domain.Gate{
			Type:        domain.GateType(g.Type),
			Threshold:   g.Threshold,
			MaxWarnings: g.MaxWarnings,
		})
	}

	for _, a := range s.Artifacts {
		stage.Artifacts = append(stage.Artifacts, domain.ArtifactMapping{
			OutputKey: a.OutputKey,
			Name:      a.Name,
			Type:      a.Type,
			Transform: a.Transform,
		})
	}

	return stage, nil
}

// ctyToMap переводит объект или map cty в map[string]any.
func ctyToMap(v cty.Value) (map[string]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, errors.New("value is not known")
	}

	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("expected object, got %s", ty.FriendlyName())
	}

	data, err := ctyjson.Marshal(v, ty)
	if err != nil {
		return nil, fmt.Errorf("marshal cty value: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal cty value: %w", err)
	}
	return out, nil
}

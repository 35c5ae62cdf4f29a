package domain

// PipelineDef — определение pipeline.
//
// Pipeline — это "рецепт" процесса разработки: набор стадий,
// связанных зависимостями. Каждый запуск (Run) выполняет одно определение.
type PipelineDef struct {
	// Name — уникальное имя pipeline (например, "feature-delivery").
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version — версия определения.
	Version string `json:"version" yaml:"version" validate:"required"`

	// Description — описание назначения pipeline.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Schedule — cron-выражение для автоматического запуска.
	// Формат: "минуты часы дни месяцы дни_недели".
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// Inputs — входные параметры по умолчанию.
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Metadata — метаданные проекта, передаются каждой стадии как project_metadata.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Defaults — настройки по умолчанию для всех стадий.
	Defaults *StageDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Quality — переопределение глобальных порогов качества.
	Quality *QualityThresholds `json:"quality,omitempty" yaml:"quality,omitempty"`

	// Stages — список стадий.
	Stages []StageDef `json:"stages" yaml:"stages" validate:"required,min=1,dive"`
}

// StageDefaults — настройки по умолчанию для стадий.
type StageDefaults struct {
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"omitempty,min=0"`
	TimeoutSec int  `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty" validate:"min=0"`
}

// QualityThresholds — глобальные пороги, проверяемые после gates.
type QualityThresholds struct {
	MinimumScore     *float64 `json:"minimum_score,omitempty" yaml:"minimum_score,omitempty"`
	ErrorThreshold   *int     `json:"error_threshold,omitempty" yaml:"error_threshold,omitempty"`
	WarningThreshold *int     `json:"warning_threshold,omitempty" yaml:"warning_threshold,omitempty"`
}

// StageDef — определение стадии pipeline.
type StageDef struct {
	// ID — уникальный идентификатор стадии в рамках pipeline.
	// Используется в dependencies и для ссылок на результаты.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name — человекочитаемое имя стадии.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type — ключ исполнителя: "prompt", "http", "transform", "delay".
	Type string `json:"type" yaml:"type" validate:"required"`

	// StageType — фаза SDLC.
	StageType StageType `json:"stage_type,omitempty" yaml:"stage_type,omitempty" validate:"omitempty,oneof=planning requirements design implementation testing deployment maintenance"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Dependencies — ID стадий, которые должны быть COMPLETED до запуска этой.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Condition — условие выполнения (Go template, возвращающий bool).
	// Например: "{{ eq .Inputs.env \"prod\" }}"
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Config — конфигурация исполнителя (зависит от типа).
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// PromptTemplate — шаблон промпта для AI-генерации.
	PromptTemplate string `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`

	// MaxRetries — переопределяет defaults.max_retries.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"omitempty,min=0"`

	// TimeoutSec — переопределяет defaults.timeout_sec.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty" validate:"min=0"`

	// RetryOnTimeout — применять retry-политику к таймаутам.
	RetryOnTimeout bool `json:"retry_on_timeout,omitempty" yaml:"retry_on_timeout,omitempty"`

	// RetryOnQualityFailure — повторять работу, если quality gate не пройден.
	RetryOnQualityFailure bool `json:"retry_on_quality_failure,omitempty" yaml:"retry_on_quality_failure,omitempty"`

	ValidationRules []Rule `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty" validate:"dive"`
	QualityGates    []Gate `json:"quality_gates,omitempty" yaml:"quality_gates,omitempty" validate:"dive"`

	// ApprovalRequired — стадия ждёт внешнего решения перед COMPLETED.
	ApprovalRequired bool     `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	Reviewers        []string `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`

	// Artifacts — маппинг outputs в именованные артефакты.
	Artifacts []ArtifactMapping `json:"artifacts,omitempty" yaml:"artifacts,omitempty" validate:"dive"`
}

// DisplayName возвращает Name или ID, если имя не задано.
func (s *StageDef) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ArtifactMapping — извлечение артефакта из outputs стадии.
type ArtifactMapping struct {
	// OutputKey — ключ в outputs стадии.
	OutputKey string `json:"output_key" yaml:"output_key" validate:"required"`

	// Name — имя артефакта.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type — тип артефакта ("code", "document", "spec" и т.д.).
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Transform — имя заранее зарегистрированной функции преобразования.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Artifact — результат применения ArtifactMapping.
type Artifact struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Content any    `json:"content"`
}

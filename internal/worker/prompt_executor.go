package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/shaiso/Stagehand/internal/telemetry"
)

const (
	defaultModel        = "gpt-4o-mini"
	generatedContentKey = "generated_content"
)

// ChatCompleter — часть клиента OpenAI, нужная PromptExecutor.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// PromptConfig — конфигурация PromptExecutor.
type PromptConfig struct {
	// Client — готовый клиент. Если nil, создаётся из APIKey/BaseURL.
	Client ChatCompleter

	APIKey  string
	BaseURL string

	// Model — модель по умолчанию (default: gpt-4o-mini).
	Model string

	// SystemPrompt — системная роль по умолчанию.
	SystemPrompt string

	Logger *slog.Logger
}

// PromptExecutor — executor для стадии типа "prompt" (AI-генерация).
//
// Config:
//   - model (string): переопределяет модель
//   - system_prompt (string): переопределяет системную роль
//   - temperature (number)
//   - max_tokens (number)
//   - prompt (string): используется, если у стадии нет prompt_template
//
// Outputs:
//   - generated_content (string): ответ модели
//   - model, finish_reason, prompt_tokens, completion_tokens
type PromptExecutor struct {
	client       ChatCompleter
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// NewPromptExecutor создаёт PromptExecutor.
func NewPromptExecutor(cfg PromptConfig) *PromptExecutor {
	client := cfg.Client
	if client == nil {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		client = openai.NewClientWithConfig(oc)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PromptExecutor{
		client:       client,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
	}
}

// Execute отправляет промпт модели и возвращает сгенерированный текст.
func (e *PromptExecutor) Execute(ctx context.Context, r *Request) (map[string]any, error) {
	prompt := r.Prompt
	if prompt == "" {
		prompt = getString(r.Config, "prompt", "")
	}
	if prompt == "" {
		prompt = defaultPrompt(r)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	model := getString(r.Config, "model", e.model)
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: e.systemFor(r)},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if t := getFloat(r.Config, "temperature", -1); t >= 0 {
		req.Temperature = float32(t)
	}
	if n := getFloat(r.Config, "max_tokens", 0); n > 0 {
		req.MaxCompletionTokens = int(n)
	}

	telemetry.LoggerOr(ctx, e.logger).Debug("requesting completion", "model", model, "attempt", r.Attempt)

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	choice := resp.Choices[0]
	return map[string]any{
		generatedContentKey: choice.Message.Content,
		"model":             resp.Model,
		"finish_reason":     string(choice.FinishReason),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"stage_type":        string(r.StageType),
	}, nil
}

// systemFor выбирает системную роль: config → конфигурация executor'а → по фазе SDLC.
func (e *PromptExecutor) systemFor(r *Request) string {
	if s := getString(r.Config, "system_prompt", ""); s != "" {
		return s
	}
	if e.systemPrompt != "" {
		return e.systemPrompt
	}
	phase := string(r.StageType)
	if phase == "" {
		phase = "software delivery"
	}
	return fmt.Sprintf("You are an expert software engineer responsible for the %s stage of a software delivery pipeline.", phase)
}

// defaultPrompt собирает промпт из входов стадии, если шаблон не задан.
func defaultPrompt(r *Request) string {
	if len(r.Inputs) == 0 {
		return ""
	}

	keys := make([]string, 0, len(r.Inputs))
	for k := range r.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", r.Name)
	for _, k := range keys {
		v, err := json.Marshal(r.Inputs[k])
		if err != nil {
			v = []byte(fmt.Sprint(r.Inputs[k]))
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", k, v)
	}
	return b.String()
}

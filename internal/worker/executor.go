package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Request — запрос на выполнение одной попытки стадии.
//
// Config и Prompt уже отрендерены оркестратором против
// Orchestration Context, поэтому executor не видит шаблонов.
type Request struct {
	RunID  string
	UnitID string
	Name   string

	// Type — ключ executor'а ("prompt", "http", "transform", "delay").
	Type string

	StageType domain.StageType

	// Config — отрендеренная конфигурация стадии.
	Config map[string]any

	// Prompt — отрендеренный PromptTemplate (может быть пустым).
	Prompt string

	// Inputs — входы стадии: stage_type, user_inputs, project_metadata,
	// <dep>_output для каждой зависимости и config.additional_inputs.
	Inputs map[string]any

	// Attempt — номер попытки (начиная с 1).
	Attempt int
}

// Executor — Work Executor для конкретного типа стадии.
//
// Реализации обязаны уважать отмену ctx: оркестратор передаёт
// в ctx таймаут попытки и отмену run/unit.
type Executor interface {
	Execute(ctx context.Context, req *Request) (map[string]any, error)
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Execute реализует Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry — реестр executor'ов по типу стадии.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт реестр с executor'ами, не требующими внешних сервисов.
//
// Регистрирует: http, delay, transform.
// prompt регистрируется отдельно, когда настроен клиент модели.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("http", &HTTPExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("transform", &TransformExecutor{})
	return r
}

// Register добавляет executor для типа стадии (заменяет существующий).
func (r *Registry) Register(unitType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[unitType] = executor
}

// Get возвращает executor для типа стадии.
func (r *Registry) Get(unitType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[unitType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, unitType)
	}
	return executor, nil
}

// Types возвращает зарегистрированные типы в отсортированном виде.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Execute находит executor по req.Type и выполняет запрос.
func (r *Registry) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	executor, err := r.Get(req.Type)
	if err != nil {
		return nil, err
	}
	return executor.Execute(ctx, req)
}

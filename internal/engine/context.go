package engine

import (
	"fmt"
	"sync"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Context — Orchestration Context run'а.
//
// Хранит по одной записи на каждый COMPLETED unit. Запись создаётся
// ровно один раз в момент завершения unit и больше не меняется, поэтому
// зависимые стадии никогда не видят результат незавершённой стадии.
type Context struct {
	mu       sync.RWMutex
	inputs   map[string]any
	metadata map[string]any
	entries  map[string]domain.ContextEntry
}

// NewContext создаёт новый контекст с входными параметрами run.
func NewContext(inputs, metadata map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Context{
		inputs:   inputs,
		metadata: metadata,
		entries:  make(map[string]domain.ContextEntry),
	}
}

// Restore создаёт контекст из сохранённых записей (снапшот).
func Restore(inputs, metadata map[string]any, entries map[string]domain.ContextEntry) *Context {
	c := NewContext(inputs, metadata)
	for id, e := range entries {
		c.entries[id] = e
	}
	return c
}

// Put записывает результат unit. Повторная запись того же ключа — ErrEntryExists.
func (c *Context) Put(entry domain.ContextEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[entry.UnitID]; exists {
		return fmt.Errorf("%w: %s", ErrEntryExists, entry.UnitID)
	}
	if entry.Outputs == nil {
		entry.Outputs = make(map[string]any)
	}
	c.entries[entry.UnitID] = entry
	return nil
}

// Get возвращает запись завершённого unit.
func (c *Context) Get(unitID string) (domain.ContextEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[unitID]
	return e, ok
}

// Outputs возвращает outputs завершённого unit (nil, если записи нет).
func (c *Context) Outputs(unitID string) map[string]any {
	e, ok := c.Get(unitID)
	if !ok {
		return nil
	}
	return e.Outputs
}

// Inputs возвращает входные параметры run.
func (c *Context) Inputs() map[string]any {
	return c.inputs
}

// Metadata возвращает метаданные проекта.
func (c *Context) Metadata() map[string]any {
	return c.metadata
}

// Entries возвращает копию всех записей.
func (c *Context) Entries() map[string]domain.ContextEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.ContextEntry, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

// Len возвращает количество записей.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TemplateData строит данные для рендеринга шаблонов по всем завершённым units.
func (c *Context) TemplateData() *TemplateData {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data := c.newTemplateData(len(c.entries))
	for id, e := range c.entries {
		data.Units[id] = unitData(e)
	}
	return data
}

// TemplateDataFor строит данные для шаблонов стадии: в .Units попадают
// только её зависимости. Inputs и Metadata общие для всего run.
func (c *Context) TemplateDataFor(deps []string) *TemplateData {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data := c.newTemplateData(len(deps))
	for _, id := range deps {
		if e, ok := c.entries[id]; ok {
			data.Units[id] = unitData(e)
		}
	}
	return data
}

func (c *Context) newTemplateData(units int) *TemplateData {
	return &TemplateData{
		Inputs:   c.inputs,
		Metadata: c.metadata,
		Units:    make(map[string]*UnitData, units),
		Env:      make(map[string]string),
	}
}

func unitData(e domain.ContextEntry) *UnitData {
	artifacts := make(map[string]any, len(e.Artifacts))
	for _, a := range e.Artifacts {
		artifacts[a.Name] = a.Content
	}
	return &UnitData{
		Outputs:   e.Outputs,
		Status:    string(e.Status),
		Artifacts: artifacts,
	}
}

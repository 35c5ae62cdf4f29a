// Package engine содержит ядро планирования pipeline.
//
// Включает:
//   - graph.go      — построение графа зависимостей (Build) и вычисление ready-batch
//   - transition.go — чистая таблица переходов состояний unit
//   - parser.go     — валидация PipelineDef
//   - context.go    — Orchestration Context (append-only, read-after-complete)
//   - template.go   — рендеринг Go templates ({{ .Inputs.x }})
//
// Engine не выполняет работу сам: он отвечает за структуру графа,
// допустимые переходы и данные, видимые зависимым стадиям.
package engine

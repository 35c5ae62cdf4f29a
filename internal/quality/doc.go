// Package quality реализует Quality Gate Engine.
//
// Engine прогоняет правила валидации по outputs стадии, считает score
// по линейной модели штрафов и применяет quality gates и глобальные пороги.
//
// Структура:
//   - rules.go      — закрытый набор типов правил и таблица встроенных evaluator'ов
//   - evaluators.go — встроенные evaluator'ы (эвристики, не гарантии)
//   - engine.go     — Evaluate: агрегация, score, gates, пороги
//   - policy.go     — настраиваемые веса и пороги
//
// Встроенные эвристики (code_quality, security_check и т.д.) носят
// рекомендательный характер: контракт пакета — агрегация, score и gating,
// а не точность регулярных выражений.
package quality

// Package orchestrator управляет выполнением runs.
//
// Orchestrator отвечает за:
//   - Валидацию определения pipeline и построение графа стадий
//   - Запуск готовых units с ограничением параллелизма
//   - Таймауты, retry с экспоненциальным backoff и отмену units
//   - Quality gate и approval gate после работы стадии
//   - Ведение Orchestration Context (outputs завершённых units)
//   - Финализацию run (COMPLETED/FAILED/CANCELLED) и Status API
//
// Orchestrator — это "мозг" системы, который координирует выполнение.
// Работа стадий выполняется через worker.Executor, решения ревьюеров
// приходят через ApprovalProvider, снапшоты сохраняются в Store.
package orchestrator

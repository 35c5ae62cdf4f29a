// Package api — HTTP интерфейс оркестратора: запуск runs и Status API,
// решения approval gate, каталог pipelines и расписания.
//
// Все маршруты живут под /api/v1 и проходят через цепочку
// RequestID → Recovery → Logging → Metrics. Ответы заворачиваются в
// {"data": ...} или {"error": {"code", "message"}}; HandleError
// сопоставляет sentinel-ошибки пакетов orchestrator, definition,
// approval и repo с HTTP статусами.
package api

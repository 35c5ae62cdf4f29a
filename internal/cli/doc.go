// Package cli — команды stagehand поверх HTTP API.
//
// NewRootCmd собирает дерево cobra-команд:
//
//	run       list, start [--wait], status, pause, resume, cancel, cancel-unit
//	approval  list, approve, reject --reason
//	pipeline  list, show, validate (локально или через сервер)
//	schedule  list, next
//
// Группы команд получают clientFn и outputFn: Client и Output создаются
// лениво, уже после разбора --api-url, --json и --timeout.
//
// Client разбирает конверты {"data": ...} и {"error": {...}} сервера;
// ошибка сервера возвращается как *APIError с HTTP статусом и кодом.
//
// Output пишет результат в stdout (таблица или JSON), а сообщения о
// действиях (Infof) в stderr, поэтому вывод можно направить в jq:
//
//	stagehand run list --json | jq '.[].status'
//
// Из внутренних пакетов импортируются только definition (локальная
// проверка файлов) и scheduler (предпросмотр cron).
package cli

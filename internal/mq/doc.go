// Package mq связывает Stagehand с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect и graceful shutdown
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация запросов, решений и событий
//   - consumer.go   — потребление очередей с ack/nack
//   - handlers.go   — обработчики runs.requested и approvals.decided
//   - events.go     — EventSink оркестратора поверх exchange событий
//
// Exchanges:
//   - stagehand.runs      — запросы на запуск (scheduler, внешние системы)
//   - stagehand.approvals — решения ревьюеров
//   - stagehand.events    — события жизненного цикла (topic по типу события)
//   - stagehand.dlq       — dead letter
package mq

// Package approval содержит реализации ApprovalProvider для approval gate.
//
// Провайдеры:
//
//   - Manual: запросы в памяти процесса, решения приходят через Decide
//     (API, CLI, RabbitMQ consumer)
//   - PollingProvider: запросы в Postgres, решение ожидается опросом
//     таблицы approvals с ограничением частоты
//   - AutoApprove: одобряет всё сразу (dev-режим и тесты)
//
// Manual и PollingProvider реализуют Service для API и CLI.
package approval

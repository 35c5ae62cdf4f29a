// Package worker содержит Work Executor'ы стадий pipeline.
//
// # Executor
//
// Интерфейс для выполнения конкретного типа стадии:
//
//	type Executor interface {
//	    Execute(ctx context.Context, req *Request) (map[string]any, error)
//	}
//
// Реализации:
//   - PromptExecutor — AI-генерация через OpenAI-совместимый API
//   - HTTPExecutor — HTTP-запросы (GET/POST/PUT/DELETE, headers, body, timeout)
//   - DelayExecutor — задержка на указанное количество секунд
//   - TransformExecutor — pass-through отрендеренного config
//
// Executor выполняет одну попытку. Retry, таймауты попыток и отмену
// решает оркестратор; executor только уважает ctx.
//
// # Registry
//
// Реестр executor'ов по типу стадии. NewRegistry() создаёт реестр
// с http, delay и transform; prompt добавляется при наличии ключа API:
//
//	reg := worker.NewRegistry()
//	reg.Register("prompt", worker.NewPromptExecutor(worker.PromptConfig{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	}))
//
// # Transforms
//
// Артефакты стадии могут проходить через именованное преобразование
// (trim_space, strip_code_fences, json_pretty, yaml_to_json или
// зарегистрированное вызывающим). Исполнение кода из определения
// pipeline не поддерживается.
package worker

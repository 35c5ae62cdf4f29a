package worker

import "errors"

// Ошибки исполнителей.
var (
	// ErrUnknownExecutor — нет executor'а для данного типа стадии.
	ErrUnknownExecutor = errors.New("unknown executor type")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrHTTPStatus — сервер ответил статусом >= 400.
	ErrHTTPStatus = errors.New("http error status")

	// ErrEmptyPrompt — для prompt-стадии не удалось сформировать промпт.
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrEmptyCompletion — модель не вернула ни одного варианта.
	ErrEmptyCompletion = errors.New("model returned no choices")

	// ErrUnknownTransform — функция преобразования артефакта не зарегистрирована.
	ErrUnknownTransform = errors.New("unknown artifact transform")

	// ErrTransformExists — функция с таким именем уже зарегистрирована.
	ErrTransformExists = errors.New("artifact transform already registered")
)

package worker

import (
	"context"
)

// TransformExecutor — executor для стадии типа "transform".
//
// Оркестратор уже отрендерил config через engine.RenderConfig(),
// поэтому config.outputs содержит готовые значения после подстановки
// результатов зависимостей. Это "pass-through с template expansion"
// для перекладывания данных между стадиями.
//
// Config:
//   - outputs (map): значения, которые станут outputs стадии.
//     Если не задан, outputs — весь config.
type TransformExecutor struct{}

// Execute возвращает отрендеренный config как outputs.
func (e *TransformExecutor) Execute(_ context.Context, req *Request) (map[string]any, error) {
	if outputs, ok := req.Config["outputs"].(map[string]any); ok {
		return outputs, nil
	}

	outputs := make(map[string]any, len(req.Config))
	for k, v := range req.Config {
		outputs[k] = v
	}
	return outputs, nil
}

package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Stagehand/internal/domain"
)

// TransformFunc — заранее зарегистрированное преобразование артефакта.
//
// Определения pipeline ссылаются на преобразования только по имени:
// код из определения никогда не компилируется и не исполняется.
type TransformFunc func(content any) (any, error)

// Transforms — реестр функций преобразования артефактов.
type Transforms struct {
	mu    sync.RWMutex
	funcs map[string]TransformFunc
}

// NewTransforms создаёт реестр со встроенными преобразованиями:
// trim_space, strip_code_fences, json_pretty, yaml_to_json.
func NewTransforms() *Transforms {
	t := &Transforms{funcs: make(map[string]TransformFunc)}
	t.funcs["trim_space"] = trimSpace
	t.funcs["strip_code_fences"] = stripCodeFences
	t.funcs["json_pretty"] = jsonPretty
	t.funcs["yaml_to_json"] = yamlToJSON
	return t
}

// Register добавляет преобразование. Повторная регистрация — ErrTransformExists.
func (t *Transforms) Register(name string, fn TransformFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.funcs[name]; exists {
		return fmt.Errorf("%w: %s", ErrTransformExists, name)
	}
	t.funcs[name] = fn
	return nil
}

// Names возвращает имена зарегистрированных преобразований.
func (t *Transforms) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.funcs))
	for n := range t.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply применяет преобразование по имени. Пустое имя — без изменений.
func (t *Transforms) Apply(name string, content any) (any, error) {
	if name == "" {
		return content, nil
	}
	t.mu.RLock()
	fn, ok := t.funcs[name]
	t.mu.RUnlock()
	if !ok {
		return content, fmt.Errorf("%w: %s", ErrUnknownTransform, name)
	}
	return fn(content)
}

// Extract строит артефакты по маппингам из outputs стадии.
//
// Маппинг с отсутствующим ключом пропускается. Если преобразование
// не найдено или завершилось ошибкой, артефакт сохраняется без изменений,
// а ошибка возвращается в списке warnings.
func (t *Transforms) Extract(outputs map[string]any, mappings []domain.ArtifactMapping) ([]domain.Artifact, []error) {
	var (
		artifacts []domain.Artifact
		warnings  []error
	)
	for _, m := range mappings {
		content, ok := outputs[m.OutputKey]
		if !ok {
			continue
		}
		transformed, err := t.Apply(m.Transform, content)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("artifact %s: %w", m.Name, err))
			transformed = content
		}
		artifacts = append(artifacts, domain.Artifact{Name: m.Name, Type: m.Type, Content: transformed})
	}
	return artifacts, warnings
}

func trimSpace(content any) (any, error) {
	s, ok := content.(string)
	if !ok {
		return content, nil
	}
	return strings.TrimSpace(s), nil
}

// stripCodeFences убирает обрамляющий markdown-блок ```lang ... ```.
func stripCodeFences(content any) (any, error) {
	s, ok := content.(string)
	if !ok {
		return content, nil
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s, nil
	}
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	} else {
		return s, nil
	}
	trimmed = strings.TrimSuffix(strings.TrimRight(trimmed, " \t\n"), "```")
	return strings.TrimRight(trimmed, "\n"), nil
}

func jsonPretty(content any) (any, error) {
	var raw []byte
	if s, ok := content.(string); ok {
		raw = []byte(s)
	} else {
		b, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.String(), nil
}

func yamlToJSON(content any) (any, error) {
	s, ok := content.(string)
	if !ok {
		return content, nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

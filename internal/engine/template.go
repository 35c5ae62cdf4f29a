package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// TemplateData — данные для рендеринга промптов, config и условий стадий.
//
//	{{ .Inputs.feature }}
//	{{ .Metadata.project }}
//	{{ .Units.design.Outputs.generated_content }}
//	{{ .Units.design.Artifacts.architecture }}
//	{{ .Output "design" "generated_content" }}
//	{{ if .Completed "review" }}...{{ end }}
type TemplateData struct {
	Inputs   map[string]any       `json:"inputs"`
	Metadata map[string]any       `json:"metadata"`
	Units    map[string]*UnitData `json:"units"`
	Env      map[string]string    `json:"env"`

	// Unit — собственные входы рендерящейся стадии (stage_type, <dep>_output, ...).
	Unit map[string]any `json:"unit,omitempty"`
}

// UnitData — результат завершённой стадии.
type UnitData struct {
	Outputs   map[string]any `json:"outputs"`
	Status    string         `json:"status"`
	Artifacts map[string]any `json:"artifacts"`
}

func (d *TemplateData) SetEnv(key, value string) {
	if d.Env == nil {
		d.Env = make(map[string]string)
	}
	d.Env[key] = value
}

// Output возвращает output завершённой стадии или nil.
// В отличие от .Units.x.Outputs.y не падает, если стадии нет в контексте.
func (d *TemplateData) Output(unitID, key string) any {
	u, ok := d.Units[unitID]
	if !ok || u == nil {
		return nil
	}
	return u.Outputs[key]
}

// Completed сообщает, есть ли результат стадии в контексте.
func (d *TemplateData) Completed(unitID string) bool {
	u, ok := d.Units[unitID]
	return ok && u != nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var funcs = template.FuncMap{
	"json":   toJSON,
	"toJSON": toJSON,
	"fromJSON": func(s string) any {
		var v any
		if json.Unmarshal([]byte(s), &v) != nil {
			return nil
		}
		return v
	},
	"default": func(def, val any) any {
		if isBlank(val) {
			return def
		}
		return val
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if !isBlank(v) {
				return v
			}
		}
		return nil
	},
	"truncate": func(n int, s string) string {
		if r := []rune(s); n >= 0 && len(r) > n {
			return string(r[:n])
		}
		return s
	},
	// indent сдвигает многострочный output стадии внутри промпта.
	"indent": func(n int, s string) string {
		pad := strings.Repeat(" ", n)
		return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
	},
	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"split":     func(sep, s string) []string { return strings.Split(s, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// parsed кэширует разобранные шаблоны по исходному тексту: условия
// стадий пересчитываются на каждом шаге планирования.
var parsed sync.Map // string → *template.Template

func compile(src string) (*template.Template, error) {
	if t, ok := parsed.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("stage").Funcs(funcs).Option("missingkey=default").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	actual, _ := parsed.LoadOrStore(src, t)
	return actual.(*template.Template), nil
}

// Render рендерит строку. Строки без "{{" возвращаются как есть.
func Render(src string, data *TemplateData) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := compile(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// RenderValue рендерит все строки внутри value, обходя map и slice.
// Числа, bool и прочие значения возвращаются без изменений.
func RenderValue(value any, data *TemplateData) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case map[string]string:
		return renderStrings(v, data)
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			r, err := Render(s, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	}
	return value, nil
}

func renderStrings(m map[string]string, data *TemplateData) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, s := range m {
		r, err := Render(s, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

// RenderConfig рендерит config стадии. nil даёт пустую map.
func RenderConfig(config map[string]any, data *TemplateData) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	rendered, err := RenderValue(config, data)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

// RenderCondition вычисляет condition стадии как выражение action
// text/template. Пустое условие истинно.
func RenderCondition(condition string, data *TemplateData) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	out, err := Render("{{if "+condition+"}}1{{end}}", data)
	if err != nil {
		return false, err
	}
	return out == "1", nil
}

package quality

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shaiso/Stagehand/internal/domain"
)

// RuleType — встроенный тип правила.
type RuleType string

const (
	ContainsText         RuleType = "contains_text"
	RegexMatch           RuleType = "regex_match"
	JSONValid            RuleType = "json_valid"
	YAMLValid            RuleType = "yaml_valid"
	LengthCheck          RuleType = "length_check"
	RequiredFields       RuleType = "required_fields"
	CodeQuality          RuleType = "code_quality"
	DocumentationQuality RuleType = "documentation_quality"
	SecurityCheck        RuleType = "security_check"
	PerformanceCheck     RuleType = "performance_check"
)

// generatedContentKey — ключ outputs по умолчанию для эвристик над сгенерированным текстом.
const generatedContentKey = "generated_content"

// Outcome — результат одного evaluator'а.
type Outcome struct {
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Pass и Fail — короткие конструкторы Outcome.
func Pass(msg string) Outcome { return Outcome{Passed: true, Message: msg} }
func Fail(msg string) Outcome { return Outcome{Passed: false, Message: msg} }

// builtinFunc — чистая функция проверки содержимого одного ключа outputs.
type builtinFunc func(content any, p Params) Outcome

// builtin — описание встроенного evaluator'а.
type builtin struct {
	eval builtinFunc

	// defaultKey — ключ outputs, если параметр key не задан.
	// Пустая строка — первый ключ outputs в лексикографическом порядке.
	defaultKey string
}

// builtins — таблица встроенных evaluator'ов. Не изменяется после инициализации.
var builtins = map[RuleType]builtin{
	ContainsText:         {eval: evalContainsText},
	RegexMatch:           {eval: evalRegexMatch},
	JSONValid:            {eval: evalJSONValid},
	YAMLValid:            {eval: evalYAMLValid},
	LengthCheck:          {eval: evalLengthCheck},
	RequiredFields:       {eval: evalRequiredFields},
	CodeQuality:          {eval: evalCodeQuality, defaultKey: generatedContentKey},
	DocumentationQuality: {eval: evalDocumentationQuality, defaultKey: generatedContentKey},
	SecurityCheck:        {eval: evalSecurityCheck, defaultKey: generatedContentKey},
	PerformanceCheck:     {eval: evalPerformanceCheck, defaultKey: generatedContentKey},
}

// IsBuiltin проверяет, является ли тип встроенным.
func IsBuiltin(t string) bool {
	_, ok := builtins[RuleType(t)]
	return ok
}

// BuiltinTypes возвращает отсортированный список встроенных типов.
func BuiltinTypes() []string {
	types := make([]string, 0, len(builtins))
	for t := range builtins {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return types
}

// Evaluator — пользовательский evaluator, регистрируемый по строковому ключу.
type Evaluator interface {
	Evaluate(output map[string]any, rule domain.Rule) (Outcome, error)
}

// EvaluatorFunc — адаптер функции к Evaluator.
type EvaluatorFunc func(output map[string]any, rule domain.Rule) (Outcome, error)

// Evaluate реализует Evaluator.
func (f EvaluatorFunc) Evaluate(output map[string]any, rule domain.Rule) (Outcome, error) {
	return f(output, rule)
}

// resolveContent выбирает значение outputs, которое проверяет правило.
func resolveContent(output map[string]any, p Params, defaultKey string) (any, Outcome, bool) {
	key := p.String("key", defaultKey)
	if key == "" {
		key = firstKey(output)
	}
	if key == "" {
		return nil, Fail("No output available to validate"), false
	}
	content, ok := output[key]
	if !ok {
		return nil, Fail(fmt.Sprintf("Output key '%s' not found", key)), false
	}
	return content, Outcome{}, true
}

func firstKey(output map[string]any) string {
	var first string
	for k := range output {
		if first == "" || k < first {
			first = k
		}
	}
	return first
}

// asText приводит содержимое к строке.
func asText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// Params — параметры правила с типизированным доступом.
// Числа из JSON приходят как float64, из YAML — как int; поддерживаются оба.
type Params map[string]any

// String возвращает строковый параметр.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return def
}

// Int возвращает целый параметр.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// OptionalInt возвращает параметр и признак его наличия.
func (p Params) OptionalInt(key string) (int, bool) {
	if _, ok := p[key]; !ok {
		return 0, false
	}
	return p.Int(key, 0), true
}

// Bool возвращает логический параметр.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Strings возвращает список строк. Одиночная строка — список из одного элемента.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// lower — регистронезависимое сравнение для contains_text.
func lower(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

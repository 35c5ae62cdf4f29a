package quality

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// evalContainsText ищет подстроку text.
//
// mode=absent (по умолчанию) — правило проваливается, если текст найден
// (например, запрет на "TODO"). mode=present — текст обязателен.
// Сравнение регистронезависимое, если не задан case_sensitive.
func evalContainsText(content any, p Params) Outcome {
	text := p.String("text", "")
	caseSensitive := p.Bool("case_sensitive", false)
	found := strings.Contains(lower(asText(content), caseSensitive), lower(text, caseSensitive))

	details := map[string]any{"text": text, "found": found}
	var out Outcome
	switch p.String("mode", "absent") {
	case "present", "required":
		if found {
			out = Pass(fmt.Sprintf("Found required text: '%s'", text))
		} else {
			out = Fail(fmt.Sprintf("Required text not found: '%s'", text))
		}
	default:
		if found {
			out = Fail(fmt.Sprintf("Forbidden text found: '%s'", text))
		} else {
			out = Pass(fmt.Sprintf("Text not present: '%s'", text))
		}
	}
	out.Details = details
	return out
}

// evalRegexMatch проверяет совпадение с pattern.
func evalRegexMatch(content any, p Params) Outcome {
	pattern := p.String("pattern", "")
	if p.Bool("case_insensitive", false) {
		pattern = "(?i)" + pattern
	}
	if p.Bool("multiline", false) {
		pattern = "(?m)" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return Fail(fmt.Sprintf("Invalid regex pattern: %v", err))
	}
	if re.MatchString(asText(content)) {
		return Pass(fmt.Sprintf("Pattern matched: %s", p.String("pattern", "")))
	}
	return Fail(fmt.Sprintf("Pattern not matched: %s", p.String("pattern", "")))
}

// evalJSONValid проверяет, что строка — корректный JSON,
// а структурированное значение сериализуется в JSON.
func evalJSONValid(content any, _ Params) Outcome {
	if s, ok := content.(string); ok {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return Fail(fmt.Sprintf("Invalid JSON: %v", err))
		}
		return Pass("Valid JSON format")
	}
	if _, err := json.Marshal(content); err != nil {
		return Fail("Content is not JSON serializable")
	}
	return Pass("Valid JSON format")
}

// evalYAMLValid проверяет, что строка — корректный YAML.
func evalYAMLValid(content any, _ Params) Outcome {
	var v any
	if err := yaml.Unmarshal([]byte(asText(content)), &v); err != nil {
		return Fail(fmt.Sprintf("Invalid YAML: %v", err))
	}
	return Pass("Valid YAML format")
}

// evalLengthCheck проверяет длину текста в символах.
func evalLengthCheck(content any, p Params) Outcome {
	n := utf8.RuneCountInString(asText(content))
	details := map[string]any{"length": n}

	if minLen, ok := p.OptionalInt("min_length"); ok && n < minLen {
		return Outcome{Message: fmt.Sprintf("Content too short: %d < %d", n, minLen), Details: details}
	}
	if maxLen, ok := p.OptionalInt("max_length"); ok && n > maxLen {
		return Outcome{Message: fmt.Sprintf("Content too long: %d > %d", n, maxLen), Details: details}
	}
	return Outcome{Passed: true, Message: fmt.Sprintf("Length valid: %d characters", n), Details: details}
}

// evalRequiredFields проверяет наличие полей в структурированном содержимом.
// Строка разбирается как JSON, если начинается с '{' или '[', иначе как YAML.
// Для списка поля обязательны в каждом элементе.
func evalRequiredFields(content any, p Params) Outcome {
	fields := p.Strings("fields")

	items, ok := toObjects(content)
	if !ok {
		return Fail("Cannot parse content to check fields")
	}

	var missing []string
	seen := make(map[string]bool)
	for _, item := range items {
		for _, f := range fields {
			if _, ok := item[f]; !ok && !seen[f] {
				seen[f] = true
				missing = append(missing, f)
			}
		}
	}
	if len(missing) > 0 {
		return Outcome{
			Message: fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")),
			Details: map[string]any{"missing": missing, "items": len(items)},
		}
	}
	return Pass(fmt.Sprintf("All required fields present: %s", strings.Join(fields, ", ")))
}

// toObjects приводит содержимое к списку объектов: объект даёт список
// из одного элемента, массив — свои элементы, каждый из которых обязан быть объектом.
func toObjects(content any) ([]map[string]any, bool) {
	var data any
	switch v := content.(type) {
	case map[string]any:
		return []map[string]any{v}, true
	case []map[string]any:
		return v, true
	case string:
		trimmed := strings.TrimSpace(v)
		var err error
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			err = json.Unmarshal([]byte(trimmed), &data)
		} else {
			err = yaml.Unmarshal([]byte(trimmed), &data)
		}
		if err != nil {
			return nil, false
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		if err := json.Unmarshal(b, &data); err != nil {
			return nil, false
		}
	}

	switch v := data.(type) {
	case map[string]any:
		return []map[string]any{v}, true
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, el := range v {
			obj, ok := el.(map[string]any)
			if !ok {
				return nil, false
			}
			items = append(items, obj)
		}
		return items, true
	}
	return nil, false
}

// Эвристики для code_quality.
var (
	functionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`def\s+\w+\s*\(`),
		regexp.MustCompile(`function\s+\w+\s*\(`),
		regexp.MustCompile(`func\s+(\([^)]*\)\s*)?\w+\s*\(`),
		regexp.MustCompile(`public\s+\w+\s+\w+\s*\(`),
	}
	commentMarkers = []string{"//", "/*", "#", `"""`, "'''"}
)

// evalCodeQuality оценивает сгенерированный код: количество функций,
// наличие комментариев и глубину вложенности скобок как прокси сложности.
func evalCodeQuality(content any, p Params) Outcome {
	code := asText(content)
	minFunctions := p.Int("min_functions", 1)
	maxComplexity := p.Int("max_complexity", 10)
	requireComments := p.Bool("require_comments", true)

	functions := 0
	for _, re := range functionPatterns {
		functions += len(re.FindAllStringIndex(code, -1))
	}

	hasComments := false
	for _, m := range commentMarkers {
		if strings.Contains(code, m) {
			hasComments = true
			break
		}
	}

	complexity := nestingDepth(code)

	var issues []string
	if functions < minFunctions {
		issues = append(issues, fmt.Sprintf("Too few functions: %d < %d", functions, minFunctions))
	}
	if requireComments && !hasComments {
		issues = append(issues, "No comments found in code")
	}
	if complexity > maxComplexity {
		issues = append(issues, fmt.Sprintf("Code complexity too high: %d > %d", complexity, maxComplexity))
	}

	details := map[string]any{
		"functions":    functions,
		"has_comments": hasComments,
		"complexity":   complexity,
	}
	if len(issues) > 0 {
		return Outcome{Message: "Code quality issues: " + strings.Join(issues, "; "), Details: details}
	}
	return Outcome{Passed: true, Message: fmt.Sprintf("Code quality acceptable (functions: %d)", functions), Details: details}
}

// nestingDepth возвращает максимальную глубину вложенности { и (.
func nestingDepth(code string) int {
	depth, deepest := 0, 0
	for _, r := range code {
		switch r {
		case '{', '(':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case '}', ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return deepest
}

// Эвристики для documentation_quality.
var (
	headerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^#+\s`),
		regexp.MustCompile(`(?m)^.+\n=+$`),
		regexp.MustCompile(`(?m)^.+\n-+$`),
	}
	wordPattern   = regexp.MustCompile(`\w+`)
	tocIndicators = []string{"table of contents", "toc", "- [", "* ["}
)

// evalDocumentationQuality оценивает документацию: количество разделов,
// слов и наличие оглавления.
func evalDocumentationQuality(content any, p Params) Outcome {
	doc := asText(content)
	minSections := p.Int("min_sections", 3)
	requireTOC := p.Bool("require_toc", false)
	minWords := p.Int("min_words", 100)

	sections := 0
	for _, re := range headerPatterns {
		sections += len(re.FindAllStringIndex(doc, -1))
	}
	words := len(wordPattern.FindAllStringIndex(doc, -1))

	lowered := strings.ToLower(doc)
	hasTOC := false
	for _, ind := range tocIndicators {
		if strings.Contains(lowered, ind) {
			hasTOC = true
			break
		}
	}

	var issues []string
	if sections < minSections {
		issues = append(issues, fmt.Sprintf("Too few sections: %d < %d", sections, minSections))
	}
	if requireTOC && !hasTOC {
		issues = append(issues, "No table of contents found")
	}
	if words < minWords {
		issues = append(issues, fmt.Sprintf("Too few words: %d < %d", words, minWords))
	}

	details := map[string]any{"sections": sections, "words": words, "has_toc": hasTOC}
	if len(issues) > 0 {
		return Outcome{Message: "Documentation quality issues: " + strings.Join(issues, "; "), Details: details}
	}
	return Outcome{
		Passed:  true,
		Message: fmt.Sprintf("Documentation quality good (sections: %d, words: %d)", sections, words),
		Details: details,
	}
}

// namedPattern — именованное регулярное выражение для сканеров.
type namedPattern struct {
	name string
	re   *regexp.Regexp
}

var securityPatterns = []namedPattern{
	{"hardcoded_password", regexp.MustCompile(`password\s*=\s*["'][^"']+["']`)},
	{"hardcoded_key", regexp.MustCompile(`(api_?key|secret)\s*=\s*["'][^"']+["']`)},
	{"sql_injection", regexp.MustCompile(`(select|insert|update|delete).*\+.*["']`)},
	{"eval_usage", regexp.MustCompile(`\beval\s*\(`)},
	{"exec_usage", regexp.MustCompile(`\bexec\s*\(`)},
}

var performancePatterns = []namedPattern{
	{"nested_loops", regexp.MustCompile(`for\s+.*for\s+.*for\s+`)},
	{"inefficient_search", regexp.MustCompile(`\.find\s*\(\s*.*\)\s*!=\s*-1`)},
	{"string_concatenation_loop", regexp.MustCompile(`for\s+.*\+=.*["']`)},
	{"no_caching", regexp.MustCompile(`(database|db|query).*for\s+`)},
}

func scan(text string, patterns []namedPattern) []string {
	var found []string
	for _, np := range patterns {
		if np.re.MatchString(text) {
			found = append(found, np.name)
		}
	}
	return found
}

// evalSecurityCheck ищет типовые небезопасные конструкции (регистронезависимо).
func evalSecurityCheck(content any, _ Params) Outcome {
	issues := scan(strings.ToLower(asText(content)), securityPatterns)
	if len(issues) > 0 {
		return Outcome{
			Message: "Security issues found: " + strings.Join(issues, ", "),
			Details: map[string]any{"issues": issues},
		}
	}
	return Pass("No obvious security issues detected")
}

// evalPerformanceCheck ищет типовые неэффективные конструкции.
func evalPerformanceCheck(content any, _ Params) Outcome {
	issues := scan(asText(content), performancePatterns)
	if len(issues) > 0 {
		return Outcome{
			Message: "Potential performance issues: " + strings.Join(issues, ", "),
			Details: map[string]any{"issues": issues},
		}
	}
	return Pass("No obvious performance issues detected")
}

package quality

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Engine — Quality Gate Engine.
//
// Engine принадлежит владельцу (обычно Orchestrator) и не использует
// глобального изменяемого состояния: пользовательские evaluator'ы
// регистрируются в конкретном экземпляре.
type Engine struct {
	policy Policy
	logger *slog.Logger

	mu     sync.RWMutex
	custom map[string]Evaluator
}

// Config — конфигурация Engine.
type Config struct {
	// Policy — веса и пороги (nil — DefaultPolicy).
	Policy *Policy

	Logger *slog.Logger
}

// New создаёт новый Engine.
func New(cfg Config) *Engine {
	policy := DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		policy: policy,
		logger: logger,
		custom: make(map[string]Evaluator),
	}
}

// Policy возвращает политику Engine.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Register регистрирует пользовательский evaluator под ключом ruleType.
// Встроенные типы переопределить нельзя.
func (e *Engine) Register(ruleType string, ev Evaluator) error {
	if IsBuiltin(ruleType) {
		return fmt.Errorf("%w: %s", ErrReservedRuleType, ruleType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.custom[ruleType]; exists {
		return fmt.Errorf("%w: %s", ErrEvaluatorExists, ruleType)
	}
	e.custom[ruleType] = ev
	return nil
}

// HasEvaluator проверяет, известен ли тип правила.
func (e *Engine) HasEvaluator(ruleType string) bool {
	if ruleType == "" || IsBuiltin(ruleType) {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.custom[ruleType]
	return ok
}

// Evaluate оценивает outputs по политике Engine.
func (e *Engine) Evaluate(output map[string]any, rules []domain.Rule, gates []domain.Gate) domain.ValidationResult {
	return e.EvaluateWithPolicy(output, rules, gates, e.policy)
}

// EvaluateWithPolicy оценивает outputs стадии.
//
// Порядок:
//  1. Правила по порядку; провал error-правила делает результат непройденным,
//     warning-правила только добавляют предупреждения.
//  2. Score = max(0, 100 − ErrorPenalty×|errors| − WarningPenalty×|warnings|), 2 знака.
//  3. Quality gates; их провалы добавляются в errors.
//  4. Глобальные пороги (ошибки, предупреждения, минимальный score).
//
// Результат зависит только от аргументов: повторная оценка даёт тот же результат.
func (e *Engine) EvaluateWithPolicy(output map[string]any, rules []domain.Rule, gates []domain.Gate, policy Policy) domain.ValidationResult {
	res := domain.ValidationResult{
		Passed:   true,
		Errors:   []string{},
		Warnings: []string{},
		Info:     []string{},
		Details:  make(map[string]domain.RuleResult, len(rules)),
	}

	for _, rule := range rules {
		name := ruleName(rule)
		severity, _ := domain.ParseSeverity(string(rule.Severity))

		outcome, err := e.runRule(output, rule)
		if err != nil {
			msg := fmt.Sprintf("✗ %s: Validation rule execution failed - %v", name, err)
			res.Errors = append(res.Errors, msg)
			res.Passed = false
			res.Details[name] = domain.RuleResult{Passed: false, Message: err.Error(), Severity: domain.SeverityError}
			continue
		}

		res.Details[name] = domain.RuleResult{
			Passed:   outcome.Passed,
			Message:  outcome.Message,
			Severity: severity,
			Details:  outcome.Details,
		}

		if outcome.Passed {
			if outcome.Message != "" {
				res.Info = append(res.Info, fmt.Sprintf("✓ %s: %s", name, outcome.Message))
			}
			continue
		}

		msg := outcome.Message
		if msg == "" {
			msg = "Validation failed"
		}
		line := fmt.Sprintf("✗ %s: %s", name, msg)
		switch severity {
		case domain.SeverityWarning:
			res.Warnings = append(res.Warnings, line)
		case domain.SeverityInfo:
			res.Info = append(res.Info, line)
		default:
			res.Errors = append(res.Errors, line)
			res.Passed = false
		}
	}

	res.Score = Score(len(res.Errors), len(res.Warnings), policy)

	for _, gate := range gates {
		if msg, ok := checkGate(gate, res, policy); !ok {
			res.Errors = append(res.Errors, msg)
			res.Passed = false
		}
	}

	if len(res.Errors) > policy.ErrorThreshold ||
		len(res.Warnings) > policy.WarningThreshold ||
		res.Score < policy.MinimumScore {
		res.Passed = false
	}

	return res
}

// runRule выполняет одно правило. Паника evaluator'а превращается в ошибку.
func (e *Engine) runRule(output map[string]any, rule domain.Rule) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("rule evaluator panicked", "rule", ruleName(rule), "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ruleType := rule.Type
	if ruleType == "" {
		ruleType = string(ContainsText)
	}

	if b, ok := builtins[RuleType(ruleType)]; ok {
		params := Params(rule.Parameters)
		content, missing, found := resolveContent(output, params, b.defaultKey)
		if !found {
			return missing, nil
		}
		return b.eval(content, params), nil
	}

	e.mu.RLock()
	ev, ok := e.custom[ruleType]
	e.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownRuleType, ruleType)
	}

	out, cerr := ev.Evaluate(output, rule)
	if cerr != nil {
		return Fail(fmt.Sprintf("Custom validator error: %v", cerr)), nil
	}
	return out, nil
}

// checkGate применяет один quality gate.
func checkGate(gate domain.Gate, res domain.ValidationResult, policy Policy) (string, bool) {
	switch gate.Type {
	case domain.GateThreshold:
		threshold := policy.GateThreshold
		if gate.Threshold != nil {
			threshold = *gate.Threshold
		}
		if res.Score < threshold {
			return fmt.Sprintf("Quality score %.2f below threshold %.2f", res.Score, threshold), false
		}
	case domain.GateNoErrors:
		if len(res.Errors) > 0 {
			return "Quality gate failed: errors present", false
		}
	case domain.GateMaxWarnings:
		if len(res.Warnings) > gate.MaxWarnings {
			return fmt.Sprintf("Too many warnings: %d > %d", len(res.Warnings), gate.MaxWarnings), false
		}
	}
	return "", true
}

// Score считает score по линейной модели штрафов, округляя до 2 знаков.
func Score(errors, warnings int, policy Policy) float64 {
	s := 100 - policy.ErrorPenalty*float64(errors) - policy.WarningPenalty*float64(warnings)
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return math.Round(s*100) / 100
}

func ruleName(rule domain.Rule) string {
	switch {
	case rule.Name != "":
		return rule.Name
	case rule.Type != "":
		return rule.Type
	default:
		return "unnamed"
	}
}

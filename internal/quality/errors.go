package quality

import "errors"

var (
	// ErrReservedRuleType — попытка зарегистрировать evaluator под именем встроенного типа.
	ErrReservedRuleType = errors.New("rule type is reserved by a built-in evaluator")

	// ErrEvaluatorExists — evaluator с таким ключом уже зарегистрирован.
	ErrEvaluatorExists = errors.New("evaluator already registered")

	// ErrUnknownRuleType — нет ни встроенного, ни пользовательского evaluator'а.
	ErrUnknownRuleType = errors.New("unknown rule type")
)

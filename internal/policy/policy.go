package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Decision is the outcome of evaluating fallback rules.
type Decision struct {
	SkipFallback bool `yaml:"skip_fallback" json:"skip_fallback"` // surface the error instead of falling back
	ForceManual  bool `yaml:"force_manual" json:"force_manual"`   // ask the customer even in auto mode
}

// Rule is a boolean govaluate expression and the decision it yields.
type Rule struct {
	ID         string   `yaml:"id" json:"id"`
	Expression string   `yaml:"expression" json:"expression"`
	Decision   Decision `yaml:"decision" json:"decision"`
}

// Facts are the values a rule expression can reference.
type Facts struct {
	FailedProvider string
	ErrorCode      string
	Attempt        int
	AutoFallbacks  int
	Amount         int64
	Currency       string
	MethodType     string
	Mode           string
}

func (f Facts) parameters() map[string]interface{} {
	return map[string]interface{}{
		"failedProvider": f.FailedProvider,
		"errorCode":      f.ErrorCode,
		"attempt":        float64(f.Attempt),
		"autoFallbacks":  float64(f.AutoFallbacks),
		"amount":         float64(f.Amount),
		"currency":       f.Currency,
		"methodType":     f.MethodType,
		"mode":           f.Mode,
	}
}

type compiledRule struct {
	rule Rule
	expr *govaluate.EvaluableExpression
}

// Enforcer evaluates rules in order; the first match wins.
type Enforcer struct {
	rules []compiledRule
}

// NewEnforcer compiles rules. Any empty or malformed expression is an error.
func NewEnforcer(rules []Rule) (*Enforcer, error) {
	e := &Enforcer{}
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		e.rules = append(e.rules, compiledRule{rule: r, expr: expr})
	}
	return e, nil
}

// Evaluate returns the decision of the first matching rule and its id, or
// the zero Decision and "" when nothing matches.
func (e *Enforcer) Evaluate(f Facts) (Decision, string, error) {
	params := f.parameters()
	for _, cr := range e.rules {
		result, err := cr.expr.Evaluate(params)
		if err != nil {
			return Decision{}, "", fmt.Errorf("failed to evaluate rule ID '%s': %w", cr.rule.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return Decision{}, "", fmt.Errorf("rule ID '%s' did not evaluate to a boolean (got %T)", cr.rule.ID, result)
		}
		if matched {
			return cr.rule.Decision, cr.rule.ID, nil
		}
	}
	return Decision{}, "", nil
}

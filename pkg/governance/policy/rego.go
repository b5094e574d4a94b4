package policy

import (
	"context"
	"fmt"

	"github.com/kvknd/substrated/internal/config"
	"github.com/open-policy-agent/opa/v1/rego"
)

// RegoEvaluator treats PolicyRule.Expr as the body of a Rego rule evaluating to a
// boolean, wrapped in a throwaway package so operators can write richer predicates
// (iteration over dedup_hints, aggregation across affected blocks) than a one-line
// gojq expression comfortably expresses. Installations that only need the simple
// predicates in config.DefaultPolicyTable should keep using GojqEvaluator; this
// engine exists for basket-specific policy overrides layered on top (spec §9 Open
// Question: "policy table is configuration, not code" -- Rego is how an operator
// supplies that configuration when it outgrows jq).
type RegoEvaluator struct {
	cache map[string]*rego.PreparedEvalQuery
}

func NewRegoEvaluator() *RegoEvaluator {
	return &RegoEvaluator{cache: make(map[string]*rego.PreparedEvalQuery)}
}

func (e *RegoEvaluator) Evaluate(ctx context.Context, rule config.PolicyRule, in Input) (bool, error) {
	q, ok := e.cache[rule.Expr]
	if !ok {
		module := fmt.Sprintf(`
package substrated.policy.%s

import rego.v1

default allow := false

allow if {
	%s
}
`, sanitizeRuleName(rule.Name), rule.Expr)

		prepared, err := rego.New(
			rego.Query("data.substrated.policy."+sanitizeRuleName(rule.Name)+".allow"),
			rego.Module(rule.Name+".rego", module),
		).PrepareForEval(ctx)
		if err != nil {
			return false, fmt.Errorf("policy: prepare rego rule %q: %w", rule.Name, err)
		}
		q = &prepared
		e.cache[rule.Expr] = q
	}

	results, err := q.Eval(ctx, rego.EvalInput(in.asMap()))
	if err != nil {
		return false, fmt.Errorf("policy: evaluate rego rule %q: %w", rule.Name, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy: rego rule %q did not evaluate to a boolean", rule.Name)
	}
	return allow, nil
}

// sanitizeRuleName makes a PolicyRule.Name safe as a Rego package path segment.
func sanitizeRuleName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "rule"
	}
	return string(out)
}

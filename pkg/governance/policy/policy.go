// Package policy evaluates proposal operations against the operator-configured
// policy table (spec §4.4 point 5). Two engines are wired: a lightweight gojq
// evaluator for the common case of simple predicates over the op's validation
// context, and an Open Policy Agent/Rego engine for installations that need richer
// cross-cutting rules than a jq expression can express cleanly. Both satisfy the
// same Evaluator interface so pkg/governance doesn't care which backs a given rule.
package policy

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/kvknd/substrated/internal/config"
	"github.com/kvknd/substrated/pkg/domain"
)

// Input is the evaluation context handed to a policy rule: one op plus the basket
// context facts the validator gathered about it.
type Input struct {
	Op                 domain.OpType   `json:"op"`
	Confidence         float64         `json:"confidence"`
	DedupHints         []domain.DedupHint `json:"dedup_hints"`
	BlockStatus        string          `json:"block_status"`
	OpCount            int             `json:"op_count"`
	AffectedBlockCount int             `json:"affected_block_count"`
}

func (in Input) asMap() map[string]any {
	hints := make([]any, len(in.DedupHints))
	for i, h := range in.DedupHints {
		hints[i] = map[string]any{
			"op_index":          h.OpIndex,
			"existing_block_id": h.ExistingBlockID.String(),
			"similarity":        h.Similarity,
		}
	}
	return map[string]any{
		"op":                   string(in.Op),
		"confidence":           in.Confidence,
		"dedup_hints":          hints,
		"block_status":         in.BlockStatus,
		"op_count":             in.OpCount,
		"affected_block_count": in.AffectedBlockCount,
	}
}

// Evaluator reports whether one PolicyRule's expression matches an Input. Picking
// the decision is Engine.Evaluate's job: it applies the first matching rule and
// defaults to REQUIRE_REVIEW when nothing matches.
type Evaluator interface {
	Evaluate(ctx context.Context, rule config.PolicyRule, in Input) (bool, error)
}

// GojqEvaluator compiles and evaluates PolicyRule.Expr as a gojq boolean predicate.
// This is the default: it covers every rule in config.DefaultPolicyTable and is
// cheap to evaluate inline during validation with no external process.
type GojqEvaluator struct {
	cache map[string]*gojq.Code
}

func NewGojqEvaluator() *GojqEvaluator {
	return &GojqEvaluator{cache: make(map[string]*gojq.Code)}
}

func (e *GojqEvaluator) Evaluate(_ context.Context, rule config.PolicyRule, in Input) (bool, error) {
	code, ok := e.cache[rule.Expr]
	if !ok {
		query, err := gojq.Parse(rule.Expr)
		if err != nil {
			return false, fmt.Errorf("policy: parse rule %q: %w", rule.Name, err)
		}
		code, err = gojq.Compile(query)
		if err != nil {
			return false, fmt.Errorf("policy: compile rule %q: %w", rule.Name, err)
		}
		e.cache[rule.Expr] = code
	}

	iter := code.Run(in.asMap())
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, fmt.Errorf("policy: evaluate rule %q: %w", rule.Name, err)
	}
	result, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("policy: rule %q did not evaluate to a boolean", rule.Name)
	}
	return result, nil
}

// Engine evaluates an Input against a config.PolicyTable in order, returning the
// first matching rule's decision.
type Engine struct {
	table config.PolicyTable
	eval  Evaluator
}

func NewEngine(table config.PolicyTable, eval Evaluator) *Engine {
	return &Engine{table: table, eval: eval}
}

// EngineResult carries the decision and which rule (if any) produced it, for audit logging.
type EngineResult struct {
	Decision domain.PolicyDecision
	RuleName string
	Matched  bool
}

// Evaluate returns the first matching rule's decision. If no rule matches, it
// defaults to REQUIRE_REVIEW: an un-covered op type is treated conservatively
// rather than silently auto-approved (spec §4.4: "no rule match defaults to
// human review").
func (e *Engine) Evaluate(ctx context.Context, in Input) (EngineResult, error) {
	for _, rule := range e.table.Rules {
		if rule.OpType != "" && rule.OpType != in.Op {
			continue
		}
		matched, err := e.eval.Evaluate(ctx, rule, in)
		if err != nil {
			return EngineResult{}, err
		}
		if matched {
			return EngineResult{Decision: rule.Decision, RuleName: rule.Name, Matched: true}, nil
		}
	}
	return EngineResult{Decision: domain.RequireReview, Matched: false}, nil
}

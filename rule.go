package pdp

import (
	"fmt"
)

// ============================================================================
// RULE EVALUATOR
// ============================================================================

// Decidable is any element whose evaluation yields a decision result: a
// rule, a policy element, or a policy reference.
type Decidable interface {
	Evaluate(ctx *EvaluationContext) *DecisionResult
}

// conditionEvaluator adapts a boolean expression to a BooleanEvaluator.
type conditionEvaluator struct {
	expr Expression
}

func newConditionEvaluator(def *ExpressionDef, f *ExpressionFactory, xc *XPathCompiler) (*conditionEvaluator, error) {
	expr, err := f.GetInstance(def, xc)
	if err != nil {
		return nil, fmt.Errorf("invalid Condition: %w", err)
	}
	return &conditionEvaluator{expr: expr}, nil
}

func (c *conditionEvaluator) Evaluate(ctx *EvaluationContext) (bool, error) {
	v, err := c.expr.Evaluate(ctx)
	if err != nil {
		return false, wrapIndeterminate(Indeterminate, err, "error evaluating Condition")
	}
	av, ok := v.(AttributeValue)
	if !ok {
		return false, newIndeterminate(Indeterminate, StatusProcessingError, "Condition did not evaluate to a single boolean")
	}
	b, err := av.Bool()
	if err != nil {
		return false, asIndeterminate(Indeterminate, err)
	}
	return b, nil
}

// constantBool extracts the compile-time value of a constant boolean
// condition, enabling the constant-false pruning optimization.
func (c *conditionEvaluator) constantBool() (bool, bool) {
	v, ok := constantValue(c.expr)
	if !ok {
		return false, false
	}
	b, err := v.Bool()
	if err != nil {
		return false, false
	}
	return b, true
}

// RuleEvaluator is the leaf decision maker: Target, optional Condition,
// effect and effect-matched PEP action expressions.
type RuleEvaluator struct {
	id        string
	effect    DecisionType
	target    BooleanEvaluator
	condition BooleanEvaluator

	// PEP actions whose FulfillOn/AppliesTo equals the effect; others can
	// never fire on this rule and are rejected at compile time
	pepActionExprs []*PepActionExpression

	constantFalseCondition bool
}

// NewRuleEvaluator compiles a rule definition.
func NewRuleEvaluator(def *RuleDef, f *ExpressionFactory, xc *XPathCompiler) (*RuleEvaluator, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("rule without a RuleId")
	}
	effect, err := def.effectDecision()
	if err != nil {
		return nil, err
	}
	target, err := newTargetEvaluator(def.Target, f, xc)
	if err != nil {
		return nil, fmt.Errorf("rule %q: invalid Target: %w", def.ID, err)
	}
	r := &RuleEvaluator{id: def.ID, effect: effect, target: target}

	if def.Condition != nil {
		cond, err := newConditionEvaluator(def.Condition, f, xc)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", def.ID, err)
		}
		if b, known := cond.constantBool(); known {
			if !b {
				r.constantFalseCondition = true
			}
			// constant true: same as no condition
		} else {
			r.condition = cond
		}
	}

	denyExprs, permitExprs, err := compilePepActionExpressions(def.Obligations, def.Advice, f, xc)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", def.ID, err)
	}
	if effect == Deny {
		if len(permitExprs) > 0 {
			return nil, fmt.Errorf("rule %q: obligation/advice with FulfillOn=Permit on a Deny rule can never apply", def.ID)
		}
		r.pepActionExprs = denyExprs
	} else {
		if len(denyExprs) > 0 {
			return nil, fmt.Errorf("rule %q: obligation/advice with FulfillOn=Deny on a Permit rule can never apply", def.ID)
		}
		r.pepActionExprs = permitExprs
	}
	return r, nil
}

// RuleID returns the rule identifier, unique within the enclosing policy.
func (r *RuleEvaluator) RuleID() string { return r.id }

// Effect returns the rule's effect, Permit or Deny.
func (r *RuleEvaluator) Effect() DecisionType { return r.effect }

// IsAlwaysNotApplicable reports whether the rule has a provably constant
// false condition and thus contributes nothing.
func (r *RuleEvaluator) IsAlwaysNotApplicable() bool { return r.constantFalseCondition }

// Evaluate produces the rule decision per XACML 3.0 §7.11: NotApplicable
// when the Target does not match or the Condition is false; the effect when
// both hold; Indeterminate biased by the effect on any evaluation error,
// including PEP action fulfillment errors.
func (r *RuleEvaluator) Evaluate(ctx *EvaluationContext) *DecisionResult {
	matched, err := r.target.Evaluate(ctx)
	if err != nil {
		ie := wrapIndeterminate(r.effect, err, "rule %q: Target indeterminate", r.id)
		return indeterminateResult(r.effect, ie, nil)
	}
	if !matched {
		return simpleNotApplicable
	}
	if r.constantFalseCondition {
		return simpleNotApplicable
	}
	if r.condition != nil {
		ok, err := r.condition.Evaluate(ctx)
		if err != nil {
			ie := wrapIndeterminate(r.effect, err, "rule %q: Condition indeterminate", r.id)
			return indeterminateResult(r.effect, ie, nil)
		}
		if !ok {
			return simpleNotApplicable
		}
	}
	var actions []PepAction
	for _, exp := range r.pepActionExprs {
		action, err := exp.Evaluate(ctx)
		if err != nil {
			ie := wrapIndeterminate(r.effect, err, "rule %q: obligation/advice indeterminate", r.id)
			return indeterminateResult(r.effect, ie, nil)
		}
		actions = append(actions, action)
	}
	return &DecisionResult{Decision: r.effect, PepActions: actions}
}

package pdp

import (
	"fmt"
)

// ============================================================================
// PEP ACTION EXPRESSIONS (Obligation / Advice)
// ============================================================================

type attributeAssignmentExpression struct {
	attributeID string
	category    string
	issuer      string
	expr        Expression
}

// PepActionExpression is a compiled ObligationExpression (mandatory) or
// AdviceExpression. It evaluates to a concrete PepAction in a context; any
// Indeterminate in an assignment makes the enclosing rule or policy
// Indeterminate (XACML 3.0 §7.18).
type PepActionExpression struct {
	id          string
	mandatory   bool
	appliesTo   DecisionType
	assignments []*attributeAssignmentExpression
}

// NewPepActionExpression compiles an obligation (mandatory=true) or advice
// expression.
func NewPepActionExpression(def *PepActionDef, mandatory bool, f *ExpressionFactory, xc *XPathCompiler) (*PepActionExpression, error) {
	if def.ID == "" {
		kind := "AdviceExpression"
		if mandatory {
			kind = "ObligationExpression"
		}
		return nil, fmt.Errorf("%s without an id", kind)
	}
	appliesTo, err := def.appliesToDecision()
	if err != nil {
		return nil, err
	}
	assignments := make([]*attributeAssignmentExpression, len(def.Assignments))
	for i := range def.Assignments {
		a := &def.Assignments[i]
		if a.AttributeID == "" {
			return nil, fmt.Errorf("obligation/advice %q: assignment #%d without an attribute id", def.ID, i)
		}
		expr, err := f.GetInstance(&a.Expression, xc)
		if err != nil {
			return nil, fmt.Errorf("obligation/advice %q: invalid assignment #%d: %w", def.ID, i, err)
		}
		assignments[i] = &attributeAssignmentExpression{
			attributeID: a.AttributeID,
			category:    a.Category,
			issuer:      a.Issuer,
			expr:        expr,
		}
	}
	return &PepActionExpression{
		id:          def.ID,
		mandatory:   mandatory,
		appliesTo:   appliesTo,
		assignments: assignments,
	}, nil
}

// ID returns the obligation/advice id.
func (p *PepActionExpression) ID() string { return p.id }

// AppliesTo returns the FulfillOn/AppliesTo decision (Permit or Deny).
func (p *PepActionExpression) AppliesTo() DecisionType { return p.appliesTo }

// Evaluate fulfills the action in the given context. A bag-valued
// assignment expression contributes one assignment per bag element, in bag
// order; assignment order otherwise follows declaration order.
func (p *PepActionExpression) Evaluate(ctx *EvaluationContext) (PepAction, error) {
	action := PepAction{ID: p.id, IsMandatory: p.mandatory}
	for i, a := range p.assignments {
		v, err := a.expr.Evaluate(ctx)
		if err != nil {
			return PepAction{}, wrapIndeterminate(Indeterminate, err,
				"error evaluating AttributeAssignmentExpression #%d of obligation/advice %q", i, p.id)
		}
		switch t := v.(type) {
		case AttributeValue:
			action.Assignments = append(action.Assignments, AttributeAssignment{
				AttributeID: a.attributeID, Category: a.category, Issuer: a.issuer, Value: t,
			})
		case *Bag:
			for _, elem := range t.Values() {
				action.Assignments = append(action.Assignments, AttributeAssignment{
					AttributeID: a.attributeID, Category: a.category, Issuer: a.issuer, Value: elem,
				})
			}
		default:
			return PepAction{}, newIndeterminate(Indeterminate, StatusProcessingError,
				"AttributeAssignmentExpression #%d of %q produced unexpected %T", i, p.id, v)
		}
	}
	return action, nil
}

// compilePepActionExpressions compiles obligation and advice definitions,
// split by the decision they apply to, preserving declaration order
// (obligations first, then advice, as declared).
func compilePepActionExpressions(obligations, advice []PepActionDef, f *ExpressionFactory, xc *XPathCompiler) (deny, permit []*PepActionExpression, err error) {
	add := func(defs []PepActionDef, mandatory bool) error {
		for i := range defs {
			exp, err := NewPepActionExpression(&defs[i], mandatory, f, xc)
			if err != nil {
				return err
			}
			if exp.AppliesTo() == Deny {
				deny = append(deny, exp)
			} else {
				permit = append(permit, exp)
			}
		}
		return nil
	}
	if err = add(obligations, true); err != nil {
		return nil, nil, err
	}
	if err = add(advice, false); err != nil {
		return nil, nil, err
	}
	return deny, permit, nil
}

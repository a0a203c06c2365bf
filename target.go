package pdp

import (
	"fmt"
)

// ============================================================================
// MATCH / ALLOF / ANYOF / TARGET
// ============================================================================

// BooleanEvaluator is an applicability predicate: true, false, or
// *IndeterminateError.
type BooleanEvaluator interface {
	Evaluate(ctx *EvaluationContext) (bool, error)
}

// matchEvaluator evaluates one Match. Match(matchFn, value, bagExpr) is
// semantically any-of(matchFn, value, bagExpr) and is compiled to exactly
// that functional form.
type matchEvaluator struct {
	anyOfCall Expression
}

func newMatchEvaluator(def *MatchDef, f *ExpressionFactory, xc *XPathCompiler) (*matchEvaluator, error) {
	matchFn, err := f.GetFunction(def.MatchID)
	if err != nil {
		return nil, fmt.Errorf("unsupported MatchId: %w", err)
	}
	litExpr, err := f.GetInstance(&ExpressionDef{Value: &def.Value}, xc)
	if err != nil {
		return nil, fmt.Errorf("invalid Match AttributeValue: %w", err)
	}
	if (def.Designator == nil) == (def.Selector == nil) {
		return nil, fmt.Errorf("Match requires exactly one of AttributeDesignator or AttributeSelector")
	}
	bagExpr, err := f.GetInstance(&ExpressionDef{Designator: def.Designator, Selector: def.Selector}, xc)
	if err != nil {
		return nil, fmt.Errorf("invalid Match bag expression: %w", err)
	}
	anyOf, err := f.GetFunction(FuncAnyOf)
	if err != nil {
		return nil, fmt.Errorf("function any-of required for Match evaluation: %w", err)
	}
	return &matchEvaluator{
		anyOfCall: &ApplyExpression{fn: anyOf, args: []Expression{
			FunctionExpression{Fn: matchFn},
			litExpr,
			bagExpr,
		}},
	}, nil
}

func (m *matchEvaluator) Evaluate(ctx *EvaluationContext) (bool, error) {
	v, err := m.anyOfCall.Evaluate(ctx)
	if err != nil {
		return false, wrapIndeterminate(Indeterminate, err, "error evaluating Match (as equivalent any-of)")
	}
	av, ok := v.(AttributeValue)
	if !ok {
		return false, newIndeterminate(Indeterminate, StatusProcessingError, "Match evaluation did not produce a boolean")
	}
	return av.Bool()
}

// allOfEvaluator conjoins Match elements: all true is Match, any false is
// NoMatch (short-circuit), otherwise Indeterminate.
type allOfEvaluator struct {
	matches []*matchEvaluator
}

func newAllOfEvaluator(def *AllOfDef, f *ExpressionFactory, xc *XPathCompiler) (*allOfEvaluator, error) {
	if len(def.Matches) == 0 {
		return nil, fmt.Errorf("AllOf is empty: must contain at least one Match")
	}
	matches := make([]*matchEvaluator, len(def.Matches))
	for i := range def.Matches {
		m, err := newMatchEvaluator(&def.Matches[i], f, xc)
		if err != nil {
			return nil, fmt.Errorf("invalid AllOf Match#%d: %w", i, err)
		}
		matches[i] = m
	}
	return &allOfEvaluator{matches: matches}, nil
}

func (a *allOfEvaluator) Evaluate(ctx *EvaluationContext) (bool, error) {
	var firstIndeterminate error
	firstIndeterminateIndex := -1
	for i, m := range a.matches {
		matched, err := m.Evaluate(ctx)
		if err != nil {
			if firstIndeterminate == nil {
				firstIndeterminate = err
				firstIndeterminateIndex = i
			}
			continue
		}
		if !matched {
			return false, nil
		}
	}
	if firstIndeterminate == nil {
		return true, nil
	}
	// no false, at least one indeterminate; keep the child index for
	// diagnostics
	return false, wrapIndeterminate(Indeterminate, firstIndeterminate, "error evaluating AllOf Match#%d", firstIndeterminateIndex)
}

// anyOfEvaluator disjoins AllOf elements with dual semantics: any true is
// Match (short-circuit), all false is NoMatch, otherwise Indeterminate.
type anyOfEvaluator struct {
	allOfs []*allOfEvaluator
}

func newAnyOfEvaluator(def *AnyOfDef, f *ExpressionFactory, xc *XPathCompiler) (*anyOfEvaluator, error) {
	if len(def.AllOf) == 0 {
		return nil, fmt.Errorf("AnyOf is empty: must contain at least one AllOf")
	}
	allOfs := make([]*allOfEvaluator, len(def.AllOf))
	for i := range def.AllOf {
		a, err := newAllOfEvaluator(&def.AllOf[i], f, xc)
		if err != nil {
			return nil, fmt.Errorf("invalid AnyOf AllOf#%d: %w", i, err)
		}
		allOfs[i] = a
	}
	return &anyOfEvaluator{allOfs: allOfs}, nil
}

func (a *anyOfEvaluator) Evaluate(ctx *EvaluationContext) (bool, error) {
	var firstIndeterminate error
	firstIndeterminateIndex := -1
	for i, ao := range a.allOfs {
		matched, err := ao.Evaluate(ctx)
		if err != nil {
			if firstIndeterminate == nil {
				firstIndeterminate = err
				firstIndeterminateIndex = i
			}
			continue
		}
		if matched {
			return true, nil
		}
	}
	if firstIndeterminate == nil {
		return false, nil
	}
	return false, wrapIndeterminate(Indeterminate, firstIndeterminate, "error evaluating AnyOf AllOf#%d", firstIndeterminateIndex)
}

// targetEvaluator conjoins AnyOf elements. A missing or empty Target always
// matches.
type targetEvaluator struct {
	anyOfs []*anyOfEvaluator
}

// alwaysMatch is the evaluator of an absent/empty Target.
type alwaysMatch struct{}

func (alwaysMatch) Evaluate(*EvaluationContext) (bool, error) { return true, nil }

func newTargetEvaluator(def *TargetDef, f *ExpressionFactory, xc *XPathCompiler) (BooleanEvaluator, error) {
	if def == nil || len(def.AnyOf) == 0 {
		return alwaysMatch{}, nil
	}
	anyOfs := make([]*anyOfEvaluator, len(def.AnyOf))
	for i := range def.AnyOf {
		a, err := newAnyOfEvaluator(&def.AnyOf[i], f, xc)
		if err != nil {
			return nil, fmt.Errorf("invalid Target AnyOf#%d: %w", i, err)
		}
		anyOfs[i] = a
	}
	return &targetEvaluator{anyOfs: anyOfs}, nil
}

func (t *targetEvaluator) Evaluate(ctx *EvaluationContext) (bool, error) {
	var firstIndeterminate error
	for _, a := range t.anyOfs {
		matched, err := a.Evaluate(ctx)
		if err != nil {
			if firstIndeterminate == nil {
				firstIndeterminate = err
			}
			continue
		}
		if !matched {
			return false, nil
		}
	}
	if firstIndeterminate == nil {
		return true, nil
	}
	return false, asIndeterminate(Indeterminate, firstIndeterminate)
}

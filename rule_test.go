package pdp

import (
	"testing"
)

func compileRule(t *testing.T, def *RuleDef) *RuleEvaluator {
	t.Helper()
	r, err := NewRuleEvaluator(def, newTestFactory(), nil)
	if err != nil {
		t.Fatalf("compile rule: %v", err)
	}
	return r
}

func TestRuleEffectWhenTargetAndConditionHold(t *testing.T) {
	r := compileRule(t, &RuleDef{
		ID: "r", Effect: "Permit",
		Target: subjectTarget("alice"),
		Condition: &ExpressionDef{Apply: &ApplyDef{
			FunctionID: FuncStringEqual,
			Args: []*ExpressionDef{
				{Apply: &ApplyDef{FunctionID: FuncStringOneAndOnly, Args: []*ExpressionDef{
					{Designator: &AttributeDesignatorDef{Category: CategorySubject, AttributeID: AttributeSubjectID, DataType: DataTypeString}},
				}}},
				{Value: &AttributeValueDef{DataType: DataTypeString, Value: "alice"}},
			},
		}},
	})
	res := evaluate(t, ruleAsTopLevel(r), subjectRequest("alice"))
	if res.Decision != Permit {
		t.Fatalf("expected Permit, got %v (status %v)", res.Decision, res.Status)
	}
}

// ruleAsTopLevel is a test shim: evaluate a rule directly through its
// Decidable contract.
type ruleTopLevelShim struct{ r *RuleEvaluator }

func ruleAsTopLevel(r *RuleEvaluator) *ruleTopLevelShim { return &ruleTopLevelShim{r: r} }

func (s *ruleTopLevelShim) Evaluate(ctx *EvaluationContext) *DecisionResult { return s.r.Evaluate(ctx) }
func (s *ruleTopLevelShim) EvaluateSkippingTarget(ctx *EvaluationContext) *DecisionResult {
	return s.r.Evaluate(ctx)
}
func (s *ruleTopLevelShim) IsApplicableByTarget(*EvaluationContext) (bool, error) { return true, nil }
func (s *ruleTopLevelShim) PolicyElementType() PolicyElementType                  { return PolicyType }
func (s *ruleTopLevelShim) PolicyID() string                                      { return s.r.RuleID() }
func (s *ruleTopLevelShim) PolicyVersion(*EvaluationContext) (PolicyVersion, error) {
	return PolicyVersion{}, nil
}
func (s *ruleTopLevelShim) PolicyRefsMetadata(*EvaluationContext) (*PolicyRefsMetadata, error) {
	return nil, nil
}
func (s *ruleTopLevelShim) EnclosedPolicies() []PrimaryPolicyMetadata { return nil }
func (s *ruleTopLevelShim) PrimaryMetadata() PrimaryPolicyMetadata    { return PrimaryPolicyMetadata{} }

func TestRuleTargetNoMatchIsNotApplicable(t *testing.T) {
	r := compileRule(t, &RuleDef{ID: "r", Effect: "Permit", Target: subjectTarget("bob")})
	res := evaluate(t, ruleAsTopLevel(r), subjectRequest("alice"))
	if res.Decision != NotApplicable {
		t.Fatalf("expected NotApplicable, got %v", res.Decision)
	}
}

func TestRuleTargetIndeterminateBiasedByEffect(t *testing.T) {
	target := &TargetDef{AnyOf: []AnyOfDef{{AllOf: []AllOfDef{{Matches: []MatchDef{{
		MatchID: FuncStringEqual,
		Value:   AttributeValueDef{DataType: DataTypeString, Value: "x"},
		Designator: &AttributeDesignatorDef{
			Category: CategorySubject, AttributeID: "urn:example:attr:absent",
			DataType: DataTypeString, MustBePresent: true,
		},
	}}}}}}}
	for _, tc := range []struct {
		effect string
		want   DecisionType
	}{
		{"Deny", Deny},
		{"Permit", Permit},
	} {
		r := compileRule(t, &RuleDef{ID: "r-" + tc.effect, Effect: tc.effect, Target: target})
		res := evaluate(t, ruleAsTopLevel(r), subjectRequest("alice"))
		if res.Decision != Indeterminate || res.ExtIndeterminate != tc.want {
			t.Fatalf("effect %s: expected Indeterminate{%v}, got %v{%v}", tc.effect, tc.want, res.Decision, res.ExtIndeterminate)
		}
	}
}

func TestRuleConditionFalseIsNotApplicable(t *testing.T) {
	r := compileRule(t, &RuleDef{
		ID: "r", Effect: "Deny",
		Condition: &ExpressionDef{Apply: &ApplyDef{
			FunctionID: FuncStringEqual,
			Args: []*ExpressionDef{
				{Apply: &ApplyDef{FunctionID: FuncStringOneAndOnly, Args: []*ExpressionDef{
					{Designator: &AttributeDesignatorDef{Category: CategorySubject, AttributeID: AttributeSubjectID, DataType: DataTypeString}},
				}}},
				{Value: &AttributeValueDef{DataType: DataTypeString, Value: "bob"}},
			},
		}},
	})
	res := evaluate(t, ruleAsTopLevel(r), subjectRequest("alice"))
	if res.Decision != NotApplicable {
		t.Fatalf("expected NotApplicable, got %v", res.Decision)
	}
}

func TestRuleConstantFalseConditionPruned(t *testing.T) {
	r := compileRule(t, &RuleDef{
		ID: "r", Effect: "Permit",
		Condition: &ExpressionDef{Value: &AttributeValueDef{DataType: DataTypeBoolean, Value: "false"}},
	})
	if !r.IsAlwaysNotApplicable() {
		t.Fatalf("expected constant-false condition detection")
	}
	res := evaluate(t, ruleAsTopLevel(r), subjectRequest("alice"))
	if res.Decision != NotApplicable || len(res.PepActions) != 0 {
		t.Fatalf("constant-false rule must contribute NotApplicable and no obligations, got %+v", res)
	}
}

func TestRuleObligationIndeterminateCollapsesToEffectBias(t *testing.T) {
	r := compileRule(t, &RuleDef{
		ID: "r", Effect: "Permit",
		Obligations: []PepActionDef{{
			ID: "urn:example:obl", AppliesTo: "Permit",
			Assignments: []AttributeAssignmentDef{{
				AttributeID: "urn:example:attr",
				Expression:  *indeterminateCondition(),
			}},
		}},
	})
	res := evaluate(t, ruleAsTopLevel(r), subjectRequest("alice"))
	if res.Decision != Indeterminate || res.ExtIndeterminate != Permit {
		t.Fatalf("expected Indeterminate{P}, got %v{%v}", res.Decision, res.ExtIndeterminate)
	}
}

func TestRuleRejectsMismatchedObligationEffect(t *testing.T) {
	_, err := NewRuleEvaluator(&RuleDef{
		ID: "r", Effect: "Permit",
		Obligations: []PepActionDef{{ID: "urn:example:obl", AppliesTo: "Deny"}},
	}, newTestFactory(), nil)
	if err == nil {
		t.Fatalf("expected compile failure for FulfillOn=Deny on a Permit rule")
	}
}

func TestDuplicateRuleIDRejected(t *testing.T) {
	c := newTestCompiler(t)
	_, err := c.CompilePolicy(&PolicyDef{
		ID: "p", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{permitRule("same"), denyRule("same")},
	}, nil)
	if err == nil {
		t.Fatalf("expected compile failure for duplicate RuleId")
	}
}

package pdp

import (
	"context"
	"testing"
)

func compileRulePolicy(t *testing.T, algID string, rules ...*RuleDef) TopLevelPolicyElementEvaluator {
	t.Helper()
	c := newTestCompiler(t)
	def := &PolicyDef{ID: "p-" + algID[len(algID)-10:], Version: "1.0", RuleCombiningAlgID: algID, Rules: rules}
	e, err := c.CompilePolicy(def, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return e
}

func TestCombiningZeroChildrenUnits(t *testing.T) {
	cases := []struct {
		alg  string
		want DecisionType
	}{
		{AlgRuleDenyOverrides, NotApplicable},
		{AlgRulePermitOverrides, NotApplicable},
		{AlgRuleFirstApplicable, NotApplicable},
		{AlgRuleDenyUnlessPermit, Deny},
		{AlgRulePermitUnlessDeny, Permit},
	}
	for _, tc := range cases {
		e := compileRulePolicy(t, tc.alg)
		res := evaluate(t, e, subjectRequest("alice"))
		if res.Decision != tc.want {
			t.Fatalf("%s with zero children: expected %v, got %v", tc.alg, tc.want, res.Decision)
		}
	}
}

func TestDenyOverridesDenyWins(t *testing.T) {
	e := compileRulePolicy(t, AlgRuleDenyOverrides, permitRule("p"), denyRule("d"))
	if res := evaluate(t, e, subjectRequest("alice")); res.Decision != Deny {
		t.Fatalf("expected Deny, got %v", res.Decision)
	}
}

func TestPermitOverridesPermitWins(t *testing.T) {
	e := compileRulePolicy(t, AlgRulePermitOverrides, denyRule("d"), permitRule("p"))
	if res := evaluate(t, e, subjectRequest("alice")); res.Decision != Permit {
		t.Fatalf("expected Permit, got %v", res.Decision)
	}
}

func TestPermitOverridesIndeterminatePermitPlusDeny(t *testing.T) {
	// Indeterminate{P} + Deny -> Indeterminate{DP} (C.3, symmetric to C.2)
	rp := permitRule("rp")
	rp.Condition = indeterminateCondition()
	e := compileRulePolicy(t, AlgRulePermitOverrides, rp, denyRule("rd"))
	res := evaluate(t, e, subjectRequest("alice"))
	if res.Decision != Indeterminate || res.ExtIndeterminate != Indeterminate {
		t.Fatalf("expected Indeterminate{DP}, got %v{%v}", res.Decision, res.ExtIndeterminate)
	}
}

func TestDenyOverridesIndeterminateDOnly(t *testing.T) {
	rd := denyRule("rd")
	rd.Condition = indeterminateCondition()
	e := compileRulePolicy(t, AlgRuleDenyOverrides, rd)
	res := evaluate(t, e, subjectRequest("alice"))
	if res.Decision != Indeterminate || res.ExtIndeterminate != Deny {
		t.Fatalf("expected Indeterminate{D}, got %v{%v}", res.Decision, res.ExtIndeterminate)
	}
}

func TestFirstApplicableReturnsFirstDeterminate(t *testing.T) {
	na := permitRule("na")
	na.Target = subjectTarget("nobody")
	e := compileRulePolicy(t, AlgRuleFirstApplicable, na, denyRule("d"), permitRule("p"))
	if res := evaluate(t, e, subjectRequest("alice")); res.Decision != Deny {
		t.Fatalf("expected Deny (first applicable), got %v", res.Decision)
	}
}

func TestDenyUnlessPermitCollapsesIndeterminate(t *testing.T) {
	ind := permitRule("ind")
	ind.Condition = indeterminateCondition()
	e := compileRulePolicy(t, AlgRuleDenyUnlessPermit, ind)
	res := evaluate(t, e, subjectRequest("alice"))
	if res.Decision != Deny {
		t.Fatalf("deny-unless-permit must collapse Indeterminate into Deny, got %v", res.Decision)
	}
}

func TestPermitUnlessDenyCollapsesNotApplicable(t *testing.T) {
	na := denyRule("na")
	na.Target = subjectTarget("nobody")
	e := compileRulePolicy(t, AlgRulePermitUnlessDeny, na)
	res := evaluate(t, e, subjectRequest("alice"))
	if res.Decision != Permit {
		t.Fatalf("permit-unless-deny must collapse NotApplicable into Permit, got %v", res.Decision)
	}
}

func TestOrderedVariantsRegistered(t *testing.T) {
	r := StandardCombiningAlgRegistry()
	for _, id := range []string{
		AlgRuleOrderedDenyOverrides,
		AlgRuleOrderedPermitOverrides,
		AlgPolicyOrderedDenyOverrides,
		AlgPolicyOrderedPermitOverrides,
	} {
		if _, err := r.GetAlgorithm(id); err != nil {
			t.Fatalf("missing ordered algorithm %s: %v", id, err)
		}
	}
	// short-name lookup for config ergonomics
	if _, err := r.GetAlgorithm("deny-overrides"); err != nil {
		t.Fatalf("short-name lookup failed: %v", err)
	}
	if _, err := r.GetAlgorithm("does-not-exist"); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}

func TestCancellationSurfacesAsIndeterminate(t *testing.T) {
	c := newTestCompiler(t)
	def := &PolicyDef{
		ID: "p-cancel", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{permitRule("r")},
	}
	e, err := c.CompilePolicy(def, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	ctx := NewEvaluationContext(cancelled, subjectRequest("alice"))
	res := e.Evaluate(ctx)
	if res.Decision != Indeterminate {
		t.Fatalf("expected Indeterminate on cancelled context, got %v", res.Decision)
	}
	if res.Status == nil || res.Status.Code != StatusProcessingError {
		t.Fatalf("expected processing-error status, got %v", res.Status)
	}
}

func TestDenyObligationsOnlyFromDenyChildren(t *testing.T) {
	c := newTestCompiler(t)
	def := &PolicyDef{
		ID: "p-obl-split", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{
			{ID: "rp", Effect: "Permit", Obligations: []PepActionDef{{ID: "urn:example:obl:permit", AppliesTo: "Permit"}}},
			{ID: "rd", Effect: "Deny", Obligations: []PepActionDef{{ID: "urn:example:obl:deny", AppliesTo: "Deny"}}},
		},
	}
	e, err := c.CompilePolicy(def, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	res := evaluate(t, e, subjectRequest("alice"))
	if res.Decision != Deny {
		t.Fatalf("expected Deny, got %v", res.Decision)
	}
	if len(res.PepActions) != 1 || res.PepActions[0].ID != "urn:example:obl:deny" {
		t.Fatalf("expected only the deny obligation, got %v", res.PepActions)
	}
}

package pdp

import (
	"context"
	"strings"
	"testing"
)

func simplePolicySetDef(id string, children ...PolicySetChildDef) *PolicySetDef {
	return &PolicySetDef{
		ID:                   id,
		Version:              "1.0",
		PolicyCombiningAlgID: AlgPolicyDenyOverrides,
		Children:             children,
	}
}

func refChild(id string) PolicySetChildDef {
	return PolicySetChildDef{PolicySetRef: &PolicyRefDef{ID: id}}
}

func TestStaticReferenceEvaluatesLikeTarget(t *testing.T) {
	c := newTestCompiler(t)
	shared := &PolicyDef{
		ID: "shared", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Target: subjectTarget("alice"),
		Rules:  []*RuleDef{permitRule("r")},
	}
	root := simplePolicySetDef("root", PolicySetChildDef{PolicyRef: &PolicyRefDef{ID: "shared"}})
	provider, err := NewStaticPolicyProvider(c, []*PolicyDef{shared}, []*PolicySetDef{root}, 0)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	rootEval, err := provider.GetStatic(PolicySetType, "root", nil, nil)
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	direct, err := provider.GetStatic(PolicyType, "shared", nil, nil)
	if err != nil {
		t.Fatalf("resolve shared: %v", err)
	}

	viaRoot := evaluate(t, rootEval, subjectRequest("alice"))
	directly := evaluate(t, direct, subjectRequest("alice"))
	if viaRoot.Decision != Permit || directly.Decision != Permit {
		t.Fatalf("expected Permit via reference and directly, got %v / %v", viaRoot.Decision, directly.Decision)
	}
}

func TestStaticReferenceCycleFailsAtLoad(t *testing.T) {
	c := newTestCompiler(t)
	s1 := simplePolicySetDef("s1", refChild("s2"))
	s2 := simplePolicySetDef("s2", refChild("s1"))
	_, err := NewStaticPolicyProvider(c, nil, []*PolicySetDef{s1, s2}, 0)
	if err == nil {
		t.Fatalf("expected load-time failure on reference cycle")
	}
	if !strings.Contains(err.Error(), "circular") {
		t.Fatalf("expected cycle error, got: %v", err)
	}
}

func TestStaticReferenceDepthExceededFailsAtLoad(t *testing.T) {
	c := newTestCompiler(t)
	leaf := simplePolicySetDef("leaf", PolicySetChildDef{Policy: &PolicyDef{
		ID: "p", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{permitRule("r")},
	}})
	s2 := simplePolicySetDef("s2", refChild("leaf"))
	s1 := simplePolicySetDef("s1", refChild("s2"))
	root := simplePolicySetDef("root", refChild("s1"))
	_, err := NewStaticPolicyProvider(c, nil, []*PolicySetDef{root, s1, s2, leaf}, 2)
	if err == nil {
		t.Fatalf("expected load-time failure on reference depth")
	}
	if !strings.Contains(err.Error(), "exceeding the maximum") {
		t.Fatalf("expected depth error, got: %v", err)
	}
}

func TestStaticReferenceVersionConstraints(t *testing.T) {
	c := newTestCompiler(t)
	v1 := &PolicyDef{ID: "p", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides, Rules: []*RuleDef{denyRule("r")}}
	v2 := &PolicyDef{ID: "p", Version: "2.0", RuleCombiningAlgID: AlgRuleDenyOverrides, Rules: []*RuleDef{permitRule("r")}}
	provider, err := NewStaticPolicyProvider(c, []*PolicyDef{v1, v2}, nil, 0)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	// unconstrained: latest version wins
	latest, err := provider.GetStatic(PolicyType, "p", nil, nil)
	if err != nil {
		t.Fatalf("resolve latest: %v", err)
	}
	if got := latest.PrimaryMetadata().Version.String(); got != "2.0" {
		t.Fatalf("expected version 2.0, got %s", got)
	}

	constraints, err := NewPolicyVersionPatterns("1.*", "", "")
	if err != nil {
		t.Fatalf("constraints: %v", err)
	}
	pinned, err := provider.GetStatic(PolicyType, "p", constraints, nil)
	if err != nil {
		t.Fatalf("resolve pinned: %v", err)
	}
	if got := pinned.PrimaryMetadata().Version.String(); got != "1.0" {
		t.Fatalf("expected version 1.0, got %s", got)
	}

	missing, _ := NewPolicyVersionPatterns("3.*", "", "")
	if _, err := provider.GetStatic(PolicyType, "p", missing, nil); err == nil {
		t.Fatalf("expected resolution failure for unmatched version constraint")
	}
}

func TestDynamicReferenceDepthExceededAtRuntime(t *testing.T) {
	c := newTestCompiler(t)
	provider := NewMutablePolicyProvider(c, 2)

	leafPolicy := PolicySetChildDef{Policy: &PolicyDef{
		ID: "p-leaf", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{permitRule("r")},
	}}
	if err := provider.AddPolicySet(simplePolicySetDef("s3", leafPolicy)); err != nil {
		t.Fatalf("add s3: %v", err)
	}
	if err := provider.AddPolicySet(simplePolicySetDef("s2", refChild("s3"))); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	if err := provider.AddPolicySet(simplePolicySetDef("s1", refChild("s2"))); err != nil {
		t.Fatalf("add s1: %v", err)
	}

	root, err := c.CompilePolicySet(simplePolicySetDef("root", refChild("s1")), provider, nil, nil)
	if err != nil {
		t.Fatalf("compile root: %v", err)
	}
	res := evaluate(t, root, subjectRequest("alice"))
	if res.Decision != Indeterminate {
		t.Fatalf("expected Indeterminate on depth violation, got %v", res.Decision)
	}
	if res.Status == nil || res.Status.Code != StatusProcessingError {
		t.Fatalf("expected processing-error status, got %v", res.Status)
	}
}

func TestDynamicReferenceCycleIsIndeterminateNotDivergent(t *testing.T) {
	c := newTestCompiler(t)
	provider := NewMutablePolicyProvider(c, 0)
	// the cycle only closes once both sets are registered; each compiles
	// fine on its own
	if err := provider.AddPolicySet(simplePolicySetDef("c1", refChild("c2"))); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := provider.AddPolicySet(simplePolicySetDef("c2", refChild("c1"))); err != nil {
		t.Fatalf("add c2: %v", err)
	}
	root, err := c.CompilePolicySet(simplePolicySetDef("root", refChild("c1")), provider, nil, nil)
	if err != nil {
		t.Fatalf("compile root: %v", err)
	}
	res := evaluate(t, root, subjectRequest("alice"))
	if res.Decision != Indeterminate {
		t.Fatalf("expected Indeterminate on reference cycle, got %v", res.Decision)
	}
	if res.Status == nil || res.Status.Code != StatusProcessingError {
		t.Fatalf("expected processing-error status, got %v", res.Status)
	}
}

func TestDynamicReferenceResolvesAndPermits(t *testing.T) {
	c := newTestCompiler(t)
	provider := NewMutablePolicyProvider(c, 0)
	if err := provider.AddPolicy(&PolicyDef{
		ID: "p-dyn", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Target: subjectTarget("alice"),
		Rules:  []*RuleDef{permitRule("r")},
	}); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	root, err := c.CompilePolicySet(simplePolicySetDef("root", PolicySetChildDef{PolicyRef: &PolicyRefDef{ID: "p-dyn"}}), provider, nil, nil)
	if err != nil {
		t.Fatalf("compile root: %v", err)
	}
	if res := evaluate(t, root, subjectRequest("alice")); res.Decision != Permit {
		t.Fatalf("expected Permit, got %v (status %v)", res.Decision, res.Status)
	}
	if res := evaluate(t, root, subjectRequest("bob")); res.Decision != NotApplicable {
		t.Fatalf("expected NotApplicable for bob, got %v", res.Decision)
	}
}

func TestDynamicReferenceUnresolvedIsIndeterminate(t *testing.T) {
	c := newTestCompiler(t)
	provider := NewMutablePolicyProvider(c, 0)
	root, err := c.CompilePolicySet(simplePolicySetDef("root", PolicySetChildDef{PolicyRef: &PolicyRefDef{ID: "ghost"}}), provider, nil, nil)
	if err != nil {
		t.Fatalf("compile root: %v", err)
	}
	res := evaluate(t, root, subjectRequest("alice"))
	if res.Decision != Indeterminate {
		t.Fatalf("expected Indeterminate for unresolved reference, got %v", res.Decision)
	}
}

func TestDynamicResolutionCachedPerRequest(t *testing.T) {
	c := newTestCompiler(t)
	provider := NewMutablePolicyProvider(c, 0)
	if err := provider.AddPolicy(&PolicyDef{
		ID: "p-cache", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{permitRule("r")},
	}); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	root, err := c.CompilePolicySet(simplePolicySetDef("root", PolicySetChildDef{PolicyRef: &PolicyRefDef{ID: "p-cache"}}), provider, nil, nil)
	if err != nil {
		t.Fatalf("compile root: %v", err)
	}

	ctx := NewEvaluationContext(context.Background(), subjectRequest("alice"))
	if res := root.Evaluate(ctx); res.Decision != Permit {
		t.Fatalf("expected Permit, got %v", res.Decision)
	}

	// replacing the policy mid-request must not change the resolution in
	// the same context
	if err := provider.AddPolicy(&PolicyDef{
		ID: "p-cache", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{denyRule("r")},
	}); err != nil {
		t.Fatalf("replace policy: %v", err)
	}
	if res := root.Evaluate(ctx); res.Decision != Permit {
		t.Fatalf("expected cached Permit within the same request, got %v", res.Decision)
	}

	// a fresh request sees the replacement
	if res := evaluate(t, root, subjectRequest("alice")); res.Decision != Deny {
		t.Fatalf("expected Deny after policy replacement, got %v", res.Decision)
	}
}

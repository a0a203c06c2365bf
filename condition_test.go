package pdp

import (
	"context"
	"testing"
)

func evalCondition(t *testing.T, text string, req *Request) bool {
	t.Helper()
	def, err := ParseCondition(text)
	if err != nil {
		t.Fatalf("parse %q: %v", text, err)
	}
	expr, err := newTestFactory().GetInstance(def, nil)
	if err != nil {
		t.Fatalf("compile %q: %v", text, err)
	}
	v, err := expr.Evaluate(NewEvaluationContext(context.Background(), req))
	if err != nil {
		t.Fatalf("evaluate %q: %v", text, err)
	}
	b, err := v.(AttributeValue).Bool()
	if err != nil {
		t.Fatalf("non-boolean result for %q: %v", text, err)
	}
	return b
}

func TestParseConditionEquality(t *testing.T) {
	req := subjectRequest("alice")
	if !evalCondition(t, `string-equal(subject.id, "alice")`, req) {
		t.Fatalf("expected true")
	}
	if evalCondition(t, `string-equal(subject.id, "bob")`, req) {
		t.Fatalf("expected false")
	}
}

func TestParseConditionBooleanOperators(t *testing.T) {
	req := subjectRequest("alice")
	req.Add(CategoryAction, AttributeActionID, StringValue("read"))
	if !evalCondition(t, `string-equal(subject.id, "alice") and string-equal(action.id, "read")`, req) {
		t.Fatalf("expected conjunction true")
	}
	if !evalCondition(t, `string-equal(subject.id, "bob") or string-equal(action.id, "read")`, req) {
		t.Fatalf("expected disjunction true")
	}
	if evalCondition(t, `not(string-equal(action.id, "read"))`, req) {
		t.Fatalf("expected negation false")
	}
}

func TestParseConditionBagMembership(t *testing.T) {
	req := subjectRequest("alice")
	req.Add(CategorySubject, "role", StringValue("user"), StringValue("admin"))
	if !evalCondition(t, `string-is-in("admin", bagof(subject.role))`, req) {
		t.Fatalf("expected membership true")
	}
}

func TestParseConditionIntegerComparison(t *testing.T) {
	def, err := ParseCondition(`integer-greater-than(5, 3)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	expr, err := newTestFactory().GetInstance(def, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	v, err := expr.Evaluate(NewEvaluationContext(context.Background(), &Request{}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if b, _ := v.(AttributeValue).Bool(); !b {
		t.Fatalf("expected 5 > 3")
	}
}

func TestParseConditionVariableRef(t *testing.T) {
	def, err := ParseCondition(`$isAdmin`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.VariableRef != "isAdmin" {
		t.Fatalf("expected variable reference, got %+v", def)
	}
}

func TestParseConditionErrors(t *testing.T) {
	for _, bad := range []string{
		``,
		`string-equal(subject.id, "alice"`,
		`unknownthing`,
		`string-equal(subject.id "alice")`,
	} {
		if _, err := ParseCondition(bad); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}

func TestConditionTextInRuleDefinition(t *testing.T) {
	c := newTestCompiler(t)
	def := &PolicyDef{
		ID: "p-text", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Rules: []*RuleDef{{
			ID: "r", Effect: "Permit",
			Condition: &ExpressionDef{Text: `string-equal(subject.id, "alice")`},
		}},
	}
	e, err := c.CompilePolicy(def, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if res := evaluate(t, e, subjectRequest("alice")); res.Decision != Permit {
		t.Fatalf("expected Permit, got %v (status %v)", res.Decision, res.Status)
	}
	if res := evaluate(t, e, subjectRequest("bob")); res.Decision != NotApplicable {
		t.Fatalf("expected NotApplicable, got %v", res.Decision)
	}
}

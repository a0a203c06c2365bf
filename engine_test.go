package pdp

import (
	"context"
	"testing"
	"time"
)

func newTestEngine(t testing.TB, opts ...EngineOption) *PDP {
	t.Helper()
	c := newTestCompiler(t)
	def := &PolicyDef{
		ID: "engine-policy", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
		Target: subjectTarget("alice"),
		Rules:  []*RuleDef{permitRule("r")},
	}
	root, err := c.CompilePolicy(def, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	engine, err := New(root, opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func TestEngineEvaluate(t *testing.T) {
	engine := newTestEngine(t)
	if res := engine.Evaluate(context.Background(), subjectRequest("alice")); res.Decision != Permit {
		t.Fatalf("expected Permit, got %v", res.Decision)
	}
	if res := engine.Evaluate(context.Background(), subjectRequest("bob")); res.Decision != NotApplicable {
		t.Fatalf("expected NotApplicable, got %v", res.Decision)
	}
}

func TestEngineWithDecisionCacheStaysCorrect(t *testing.T) {
	engine := newTestEngine(t, WithDecisionCache(1<<12, 1<<16, 64, time.Minute))
	for i := 0; i < 10; i++ {
		if res := engine.Evaluate(context.Background(), subjectRequest("alice")); res.Decision != Permit {
			t.Fatalf("iteration %d: expected Permit, got %v", i, res.Decision)
		}
		if res := engine.Evaluate(context.Background(), subjectRequest("bob")); res.Decision != NotApplicable {
			t.Fatalf("iteration %d: expected NotApplicable, got %v", i, res.Decision)
		}
	}
	engine.InvalidateDecisionCache()
	if res := engine.Evaluate(context.Background(), subjectRequest("alice")); res.Decision != Permit {
		t.Fatalf("expected Permit after cache invalidation, got %v", res.Decision)
	}
}

func TestRequestHashKeyIsOrderInsensitive(t *testing.T) {
	a := &Request{}
	a.Add(CategorySubject, AttributeSubjectID, StringValue("alice"))
	a.Add(CategoryAction, AttributeActionID, StringValue("read"))

	b := &Request{}
	b.Add(CategoryAction, AttributeActionID, StringValue("read"))
	b.Add(CategorySubject, AttributeSubjectID, StringValue("alice"))

	if a.hashKey() != b.hashKey() {
		t.Fatalf("request digest must not depend on attribute order")
	}

	c := &Request{}
	c.Add(CategorySubject, AttributeSubjectID, StringValue("bob"))
	if a.hashKey() == c.hashKey() {
		t.Fatalf("different requests must not share a digest")
	}
}

func TestEngineRequiresRoot(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil root")
	}
}

func BenchmarkEngineEvaluate(b *testing.B) {
	engine := newTestEngine(b)
	req := subjectRequest("alice")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := engine.Evaluate(context.Background(), req); res.Decision != Permit {
			b.Fatalf("unexpected decision %v", res.Decision)
		}
	}
}

func BenchmarkEngineEvaluateWithCache(b *testing.B) {
	engine := newTestEngine(b, WithDecisionCache(1<<12, 1<<16, 64, time.Minute))
	req := subjectRequest("alice")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Evaluate(context.Background(), req)
	}
}

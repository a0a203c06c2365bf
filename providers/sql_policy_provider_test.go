package providers

import (
	"context"
	"database/sql"
	"testing"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	pdp "github.com/authzforce-ce/core"
)

func newSQLiteProvider(t *testing.T) *SQLPolicyProvider {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	provider, err := NewSQLPolicyProvider(db, pdp.NewPolicyCompiler(nil, nil), 0)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return provider
}

func subjectPolicy(id, version, subject, effect string) *pdp.PolicyDef {
	return &pdp.PolicyDef{
		ID:                 id,
		Version:            version,
		RuleCombiningAlgID: pdp.AlgRuleDenyOverrides,
		Target: &pdp.TargetDef{AnyOf: []pdp.AnyOfDef{{AllOf: []pdp.AllOfDef{{Matches: []pdp.MatchDef{{
			MatchID: pdp.FuncStringEqual,
			Value:   pdp.AttributeValueDef{DataType: pdp.DataTypeString, Value: subject},
			Designator: &pdp.AttributeDesignatorDef{
				Category:    pdp.CategorySubject,
				AttributeID: pdp.AttributeSubjectID,
				DataType:    pdp.DataTypeString,
			},
		}}}}}}},
		Rules: []*pdp.RuleDef{{ID: "r", Effect: effect}},
	}
}

func requestFor(subject string) *pdp.Request {
	req := &pdp.Request{}
	req.Add(pdp.CategorySubject, pdp.AttributeSubjectID, pdp.StringValue(subject))
	return req
}

func TestSQLProviderStoreAndResolve(t *testing.T) {
	provider := newSQLiteProvider(t)
	ctx := context.Background()
	if err := provider.StorePolicy(ctx, subjectPolicy("p-sql", "1.0", "alice", "Permit")); err != nil {
		t.Fatalf("store: %v", err)
	}

	ectx := pdp.NewEvaluationContext(ctx, requestFor("alice"))
	e, err := provider.Get(pdp.PolicyType, "p-sql", nil, nil, ectx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res := e.Evaluate(ectx); res.Decision != pdp.Permit {
		t.Fatalf("expected Permit, got %v (status %v)", res.Decision, res.Status)
	}
}

func TestSQLProviderPicksLatestMatchingVersion(t *testing.T) {
	provider := newSQLiteProvider(t)
	ctx := context.Background()
	if err := provider.StorePolicy(ctx, subjectPolicy("p-ver", "1.0", "alice", "Deny")); err != nil {
		t.Fatalf("store v1: %v", err)
	}
	if err := provider.StorePolicy(ctx, subjectPolicy("p-ver", "2.0", "alice", "Permit")); err != nil {
		t.Fatalf("store v2: %v", err)
	}

	ectx := pdp.NewEvaluationContext(ctx, requestFor("alice"))
	latest, err := provider.Get(pdp.PolicyType, "p-ver", nil, nil, ectx)
	if err != nil {
		t.Fatalf("resolve latest: %v", err)
	}
	if got := latest.PrimaryMetadata().Version.String(); got != "2.0" {
		t.Fatalf("expected 2.0, got %s", got)
	}

	constraints, err := pdp.NewPolicyVersionPatterns("1.*", "", "")
	if err != nil {
		t.Fatalf("constraints: %v", err)
	}
	pinned, err := provider.Get(pdp.PolicyType, "p-ver", constraints, nil, ectx)
	if err != nil {
		t.Fatalf("resolve pinned: %v", err)
	}
	if got := pinned.PrimaryMetadata().Version.String(); got != "1.0" {
		t.Fatalf("expected 1.0, got %s", got)
	}
}

func TestSQLProviderUnknownPolicyFails(t *testing.T) {
	provider := newSQLiteProvider(t)
	ectx := pdp.NewEvaluationContext(context.Background(), requestFor("alice"))
	if _, err := provider.Get(pdp.PolicyType, "ghost", nil, nil, ectx); err == nil {
		t.Fatalf("expected resolution failure")
	}
}

func TestSQLProviderBacksDynamicReference(t *testing.T) {
	provider := newSQLiteProvider(t)
	ctx := context.Background()
	if err := provider.StorePolicy(ctx, subjectPolicy("p-ref", "1.0", "alice", "Permit")); err != nil {
		t.Fatalf("store: %v", err)
	}

	compiler := pdp.NewPolicyCompiler(nil, nil)
	root, err := compiler.CompilePolicySet(&pdp.PolicySetDef{
		ID:                   "root",
		Version:              "1.0",
		PolicyCombiningAlgID: pdp.AlgPolicyDenyOverrides,
		Children:             []pdp.PolicySetChildDef{{PolicyRef: &pdp.PolicyRefDef{ID: "p-ref"}}},
	}, provider, nil, nil)
	if err != nil {
		t.Fatalf("compile root: %v", err)
	}

	ectx := pdp.NewEvaluationContext(ctx, requestFor("alice"))
	if res := root.Evaluate(ectx); res.Decision != pdp.Permit {
		t.Fatalf("expected Permit via SQL-backed reference, got %v (status %v)", res.Decision, res.Status)
	}

	if err := provider.DeletePolicy(ctx, pdp.PolicyType, "p-ref", "1.0"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fresh := pdp.NewEvaluationContext(ctx, requestFor("alice"))
	if res := root.Evaluate(fresh); res.Decision != pdp.Indeterminate {
		t.Fatalf("expected Indeterminate after deletion, got %v", res.Decision)
	}
}

package providers

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	pdp "github.com/authzforce-ce/core"
)

func TestBundleSignVerifyLoad(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	policies := []*pdp.PolicyDef{subjectPolicy("p-bundle", "1.0", "alice", "Permit")}
	bundle, err := SignBundle(priv, policies, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyBundle(pub, bundle); err != nil {
		t.Fatalf("verify: %v", err)
	}

	dst := pdp.NewMutablePolicyProvider(pdp.NewPolicyCompiler(nil, nil), 0)
	if err := LoadBundle(pub, bundle, dst); err != nil {
		t.Fatalf("load: %v", err)
	}
	ectx := pdp.NewEvaluationContext(context.Background(), requestFor("alice"))
	e, err := dst.Get(pdp.PolicyType, "p-bundle", nil, nil, ectx)
	if err != nil {
		t.Fatalf("resolve loaded policy: %v", err)
	}
	if res := e.Evaluate(ectx); res.Decision != pdp.Permit {
		t.Fatalf("expected Permit, got %v", res.Decision)
	}
}

func TestBundleTamperDetected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	bundle, err := SignBundle(priv, []*pdp.PolicyDef{subjectPolicy("p-tamper", "1.0", "alice", "Deny")}, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// flip the effect after signing
	bundle.Policies[0].Rules[0].Effect = "Permit"
	if err := VerifyBundle(pub, bundle); err == nil {
		t.Fatalf("expected signature verification failure after tampering")
	}

	dst := pdp.NewMutablePolicyProvider(pdp.NewPolicyCompiler(nil, nil), 0)
	if err := LoadBundle(pub, bundle, dst); err == nil {
		t.Fatalf("LoadBundle must refuse a tampered bundle")
	}
}

func TestBundleMissingSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	bundle, err := SignBundle(priv, []*pdp.PolicyDef{subjectPolicy("p-a", "1.0", "alice", "Permit")}, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	bundle.Policies = append(bundle.Policies, subjectPolicy("p-b", "1.0", "bob", "Permit"))
	if err := VerifyBundle(pub, bundle); err == nil {
		t.Fatalf("expected missing-signature failure")
	}
}

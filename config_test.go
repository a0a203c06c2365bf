package pdp

import (
	"context"
	"testing"

	"github.com/authzforce-ce/core/logger"
)

const testConfigYAML = `
version: 1
engine:
  xpath_enabled: true
  max_policy_set_ref_depth: 5
root_policy_set_id: root
policies:
  - id: doc-access
    version: "1.0"
    rule_combining_alg: first-applicable
    target:
      any_of:
        - all_of:
            - matches:
                - match_id: urn:oasis:names:tc:xacml:1.0:function:string-equal
                  value: {type: "http://www.w3.org/2001/XMLSchema#string", value: document}
                  designator:
                    category: urn:oasis:names:tc:xacml:3.0:attribute-category:resource
                    attribute_id: urn:example:attr:resource-type
                    type: "http://www.w3.org/2001/XMLSchema#string"
    rules:
      - id: permit-owner
        effect: Permit
        condition:
          text: string-equal(subject.id, "alice")
      - id: deny-others
        effect: Deny
    obligations:
      - id: urn:example:obligation:audit
        applies_to: Deny
        assignments:
          - attribute_id: urn:example:attr:reason
            expression:
              value: {value: denied}
policy_sets:
  - id: root
    version: "1.0"
    policy_combining_alg: permit-overrides
    children:
      - policy_ref: {id: doc-access}
`

func loadTestEngine(t *testing.T) *PDP {
	t.Helper()
	cfg, err := NewConfigLoader().LoadYAML([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	engine, err := NewFromConfig(cfg, logger.NewNullLogger())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func docRequest(subject string) *Request {
	req := subjectRequest(subject)
	req.Add(CategoryResource, "urn:example:attr:resource-type", StringValue("document"))
	return req
}

func TestConfigYAMLRoundtripToDecision(t *testing.T) {
	engine := loadTestEngine(t)
	if res := engine.Evaluate(context.Background(), docRequest("alice")); res.Decision != Permit {
		t.Fatalf("expected Permit for alice, got %v (status %v)", res.Decision, res.Status)
	}
	res := engine.Evaluate(context.Background(), docRequest("bob"))
	if res.Decision != Deny {
		t.Fatalf("expected Deny for bob, got %v", res.Decision)
	}
	obligations := res.Obligations()
	if len(obligations) != 1 || obligations[0].ID != "urn:example:obligation:audit" {
		t.Fatalf("expected audit obligation on Deny, got %v", obligations)
	}
}

func TestConfigJSONConversion(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	cfg2, err := NewConfigLoader().LoadJSON(data)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if len(cfg2.Policies) != 1 || cfg2.Policies[0].ID != "doc-access" {
		t.Fatalf("lost policies in conversion: %+v", cfg2.Policies)
	}
	if _, err := NewFromConfig(cfg2, nil); err != nil {
		t.Fatalf("engine from converted config: %v", err)
	}
}

func TestConfigValidateRejectsDuplicates(t *testing.T) {
	cfg := &Config{
		Policies: []*PolicyDef{
			{ID: "p", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides},
			{ID: "p", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate policy rejection")
	}
}

func TestConfigRootResolution(t *testing.T) {
	cfg := &Config{
		Policies: []*PolicyDef{{
			ID: "only", Version: "1.0", RuleCombiningAlgID: AlgRuleDenyOverrides,
			Rules: []*RuleDef{permitRule("r")},
		}},
	}
	engine, err := NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if engine.Root().PolicyID() != "only" {
		t.Fatalf("expected single policy as root, got %s", engine.Root().PolicyID())
	}

	empty := &Config{}
	if _, err := NewFromConfig(empty, nil); err == nil {
		t.Fatalf("expected root resolution failure for empty config")
	}
}

package pdp

import (
	"fmt"
)

// ============================================================================
// POLICY DOCUMENT MODEL
// ============================================================================
//
// The structs below are the "already parsed" policy documents the core
// compiles evaluators from. They carry YAML/JSON tags so configuration
// files can embed policies directly; the core does not prescribe any other
// serialization.

// AttributeValueDef is a literal attribute value in its lexical form.
type AttributeValueDef struct {
	DataType string `json:"type,omitempty" yaml:"type,omitempty"`
	Value    string `json:"value" yaml:"value"`
}

// AttributeDesignatorDef selects a bag of request attribute values.
type AttributeDesignatorDef struct {
	Category      string `json:"category" yaml:"category"`
	AttributeID   string `json:"attribute_id" yaml:"attribute_id"`
	Issuer        string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	DataType      string `json:"type,omitempty" yaml:"type,omitempty"`
	MustBePresent bool   `json:"must_be_present,omitempty" yaml:"must_be_present,omitempty"`
}

// AttributeSelectorDef selects values from a category's structured content
// via an XPath expression.
type AttributeSelectorDef struct {
	Category      string `json:"category" yaml:"category"`
	Path          string `json:"path" yaml:"path"`
	DataType      string `json:"type,omitempty" yaml:"type,omitempty"`
	MustBePresent bool   `json:"must_be_present,omitempty" yaml:"must_be_present,omitempty"`
}

// ApplyDef is a function application.
type ApplyDef struct {
	FunctionID string           `json:"function" yaml:"function"`
	Args       []*ExpressionDef `json:"args" yaml:"args"`
}

// ExpressionDef is the serializable expression AST. Exactly one field must
// be set; Text holds the compact textual condition syntax, parsed with
// ParseCondition.
type ExpressionDef struct {
	Value       *AttributeValueDef      `json:"value,omitempty" yaml:"value,omitempty"`
	Designator  *AttributeDesignatorDef `json:"designator,omitempty" yaml:"designator,omitempty"`
	Selector    *AttributeSelectorDef   `json:"selector,omitempty" yaml:"selector,omitempty"`
	VariableRef string                  `json:"variable_ref,omitempty" yaml:"variable_ref,omitempty"`
	Function    string                  `json:"function_ref,omitempty" yaml:"function_ref,omitempty"`
	Apply       *ApplyDef               `json:"apply,omitempty" yaml:"apply,omitempty"`
	Text        string                  `json:"text,omitempty" yaml:"text,omitempty"`
}

// MatchDef is a XACML Match: a binary match function applied to a literal
// and a bag expression (designator or selector).
type MatchDef struct {
	MatchID    string                  `json:"match_id" yaml:"match_id"`
	Value      AttributeValueDef       `json:"value" yaml:"value"`
	Designator *AttributeDesignatorDef `json:"designator,omitempty" yaml:"designator,omitempty"`
	Selector   *AttributeSelectorDef   `json:"selector,omitempty" yaml:"selector,omitempty"`
}

// AllOfDef conjoins its matches.
type AllOfDef struct {
	Matches []MatchDef `json:"matches" yaml:"matches"`
}

// AnyOfDef disjoins its AllOf children.
type AnyOfDef struct {
	AllOf []AllOfDef `json:"all_of" yaml:"all_of"`
}

// TargetDef is a conjunction of AnyOf elements. A nil or empty Target
// always matches.
type TargetDef struct {
	AnyOf []AnyOfDef `json:"any_of" yaml:"any_of"`
}

// AttributeAssignmentDef is one assignment inside an obligation or advice
// expression.
type AttributeAssignmentDef struct {
	AttributeID string        `json:"attribute_id" yaml:"attribute_id"`
	Category    string        `json:"category,omitempty" yaml:"category,omitempty"`
	Issuer      string        `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Expression  ExpressionDef `json:"expression" yaml:"expression"`
}

// PepActionDef is an ObligationExpression (mandatory) or AdviceExpression.
// AppliesTo is the FulfillOn/AppliesTo decision: "Permit" or "Deny".
type PepActionDef struct {
	ID          string                   `json:"id" yaml:"id"`
	AppliesTo   string                   `json:"applies_to" yaml:"applies_to"`
	Assignments []AttributeAssignmentDef `json:"assignments,omitempty" yaml:"assignments,omitempty"`
}

func (d *PepActionDef) appliesToDecision() (DecisionType, error) {
	switch d.AppliesTo {
	case "Permit", "permit", "":
		return Permit, nil
	case "Deny", "deny":
		return Deny, nil
	}
	return NotApplicable, fmt.Errorf("invalid obligation/advice AppliesTo %q (want Permit or Deny)", d.AppliesTo)
}

// VariableDefinitionDef declares a policy-scoped variable.
type VariableDefinitionDef struct {
	ID         string        `json:"id" yaml:"id"`
	Expression ExpressionDef `json:"expression" yaml:"expression"`
}

// RuleDef is a XACML Rule.
type RuleDef struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      string         `json:"effect" yaml:"effect"`
	Target      *TargetDef     `json:"target,omitempty" yaml:"target,omitempty"`
	Condition   *ExpressionDef `json:"condition,omitempty" yaml:"condition,omitempty"`
	Obligations []PepActionDef `json:"obligations,omitempty" yaml:"obligations,omitempty"`
	Advice      []PepActionDef `json:"advice,omitempty" yaml:"advice,omitempty"`
}

func (d *RuleDef) effectDecision() (DecisionType, error) {
	switch d.Effect {
	case "Permit", "permit":
		return Permit, nil
	case "Deny", "deny":
		return Deny, nil
	}
	return NotApplicable, fmt.Errorf("rule %q: invalid effect %q (want Permit or Deny)", d.ID, d.Effect)
}

// CombinerParameterDef is one named parameter passed to a combining
// algorithm.
type CombinerParameterDef struct {
	Name  string            `json:"name" yaml:"name"`
	Value AttributeValueDef `json:"value" yaml:"value"`
}

// RuleCombinerParametersDef binds combiner parameters to a rule declared
// earlier in the same policy.
type RuleCombinerParametersDef struct {
	RuleIDRef  string                 `json:"rule_id_ref" yaml:"rule_id_ref"`
	Parameters []CombinerParameterDef `json:"parameters" yaml:"parameters"`
}

// PolicyChildDef is one element of a Policy's ordered child sequence.
// Exactly one field must be set; ordering matters because a
// VariableDefinition is only visible to later children.
type PolicyChildDef struct {
	Rule                   *RuleDef                   `json:"rule,omitempty" yaml:"rule,omitempty"`
	Variable               *VariableDefinitionDef     `json:"variable,omitempty" yaml:"variable,omitempty"`
	RuleCombinerParameters *RuleCombinerParametersDef `json:"rule_combiner_parameters,omitempty" yaml:"rule_combiner_parameters,omitempty"`
}

// PolicyDef is a XACML Policy document.
type PolicyDef struct {
	ID                 string                 `json:"id" yaml:"id"`
	Version            string                 `json:"version" yaml:"version"`
	Description        string                 `json:"description,omitempty" yaml:"description,omitempty"`
	RuleCombiningAlgID string                 `json:"rule_combining_alg" yaml:"rule_combining_alg"`
	Target             *TargetDef             `json:"target,omitempty" yaml:"target,omitempty"`
	XPathVersion       string                 `json:"xpath_version,omitempty" yaml:"xpath_version,omitempty"`
	Children           []PolicyChildDef       `json:"children,omitempty" yaml:"children,omitempty"`
	Rules              []*RuleDef             `json:"rules,omitempty" yaml:"rules,omitempty"`
	Obligations        []PepActionDef         `json:"obligations,omitempty" yaml:"obligations,omitempty"`
	Advice             []PepActionDef         `json:"advice,omitempty" yaml:"advice,omitempty"`
	CombinerParameters []CombinerParameterDef `json:"combiner_parameters,omitempty" yaml:"combiner_parameters,omitempty"`
}

// orderedChildren merges the convenience Rules list after the explicit
// ordered children.
func (d *PolicyDef) orderedChildren() []PolicyChildDef {
	out := append([]PolicyChildDef(nil), d.Children...)
	for _, r := range d.Rules {
		out = append(out, PolicyChildDef{Rule: r})
	}
	return out
}

// PolicyRefDef is a Policy(Set)IdReference with version constraints.
type PolicyRefDef struct {
	ID              string `json:"id" yaml:"id"`
	Version         string `json:"version,omitempty" yaml:"version,omitempty"`
	EarliestVersion string `json:"earliest_version,omitempty" yaml:"earliest_version,omitempty"`
	LatestVersion   string `json:"latest_version,omitempty" yaml:"latest_version,omitempty"`
}

// PolicySetChildDef is one element of a PolicySet's ordered child sequence.
// Exactly one field must be set.
type PolicySetChildDef struct {
	Policy             *PolicyDef             `json:"policy,omitempty" yaml:"policy,omitempty"`
	PolicySet          *PolicySetDef          `json:"policy_set,omitempty" yaml:"policy_set,omitempty"`
	PolicyRef          *PolicyRefDef          `json:"policy_ref,omitempty" yaml:"policy_ref,omitempty"`
	PolicySetRef       *PolicyRefDef          `json:"policy_set_ref,omitempty" yaml:"policy_set_ref,omitempty"`
	CombinerParameters []CombinerParameterDef `json:"combiner_parameters,omitempty" yaml:"combiner_parameters,omitempty"`
}

// PolicySetDef is a XACML PolicySet document.
type PolicySetDef struct {
	ID                   string              `json:"id" yaml:"id"`
	Version              string              `json:"version" yaml:"version"`
	Description          string              `json:"description,omitempty" yaml:"description,omitempty"`
	PolicyCombiningAlgID string              `json:"policy_combining_alg" yaml:"policy_combining_alg"`
	Target               *TargetDef          `json:"target,omitempty" yaml:"target,omitempty"`
	XPathVersion         string              `json:"xpath_version,omitempty" yaml:"xpath_version,omitempty"`
	Children             []PolicySetChildDef `json:"children,omitempty" yaml:"children,omitempty"`
	Obligations          []PepActionDef      `json:"obligations,omitempty" yaml:"obligations,omitempty"`
	Advice               []PepActionDef      `json:"advice,omitempty" yaml:"advice,omitempty"`
}

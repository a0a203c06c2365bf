package pdp

import (
	"fmt"
	"strings"
)

// ============================================================================
// COMBINING ALGORITHMS
// ============================================================================

// Standard combining algorithm identifiers.
const (
	AlgRuleDenyOverrides          = "urn:oasis:names:tc:xacml:3.0:rule-combining-algorithm:deny-overrides"
	AlgRulePermitOverrides        = "urn:oasis:names:tc:xacml:3.0:rule-combining-algorithm:permit-overrides"
	AlgRuleOrderedDenyOverrides   = "urn:oasis:names:tc:xacml:3.0:rule-combining-algorithm:ordered-deny-overrides"
	AlgRuleOrderedPermitOverrides = "urn:oasis:names:tc:xacml:3.0:rule-combining-algorithm:ordered-permit-overrides"
	AlgRuleDenyUnlessPermit       = "urn:oasis:names:tc:xacml:3.0:rule-combining-algorithm:deny-unless-permit"
	AlgRulePermitUnlessDeny       = "urn:oasis:names:tc:xacml:3.0:rule-combining-algorithm:permit-unless-deny"
	AlgRuleFirstApplicable        = "urn:oasis:names:tc:xacml:1.0:rule-combining-algorithm:first-applicable"

	AlgPolicyDenyOverrides          = "urn:oasis:names:tc:xacml:3.0:policy-combining-algorithm:deny-overrides"
	AlgPolicyPermitOverrides        = "urn:oasis:names:tc:xacml:3.0:policy-combining-algorithm:permit-overrides"
	AlgPolicyOrderedDenyOverrides   = "urn:oasis:names:tc:xacml:3.0:policy-combining-algorithm:ordered-deny-overrides"
	AlgPolicyOrderedPermitOverrides = "urn:oasis:names:tc:xacml:3.0:policy-combining-algorithm:ordered-permit-overrides"
	AlgPolicyDenyUnlessPermit       = "urn:oasis:names:tc:xacml:3.0:policy-combining-algorithm:deny-unless-permit"
	AlgPolicyPermitUnlessDeny       = "urn:oasis:names:tc:xacml:3.0:policy-combining-algorithm:permit-unless-deny"
	AlgPolicyFirstApplicable        = "urn:oasis:names:tc:xacml:1.0:policy-combining-algorithm:first-applicable"
	AlgPolicyOnlyOneApplicable      = "urn:oasis:names:tc:xacml:1.0:policy-combining-algorithm:only-one-applicable"
)

// ParameterAssignment is one evaluated combiner parameter.
type ParameterAssignment struct {
	Name  string
	Value AttributeValue
}

// CombiningAlgParameter is a set of combiner parameters, optionally bound
// to a combined element by id.
type CombiningAlgParameter struct {
	ElementID   string
	Assignments []ParameterAssignment
}

// CombiningAlgEvaluator reduces the decisions of a fixed, ordered child
// list into one extended decision, accumulating PEP actions and
// applicable-policy metadata into the caller's collectors.
type CombiningAlgEvaluator interface {
	Evaluate(ctx *EvaluationContext, outActions *PepActionCollector, outApplicable *ApplicablePolicyCollector) ExtendedDecision
}

// CombiningAlg is a combining-algorithm strategy, instantiated per policy
// element with that element's children and combiner parameters.
type CombiningAlg interface {
	ID() string
	NewEvaluator(params []CombiningAlgParameter, children []Decidable) (CombiningAlgEvaluator, error)
}

// CombiningAlgRegistry resolves algorithm ids. Lookup accepts the full URN
// or, for configuration ergonomics, the short suffix ("deny-overrides"); a
// suffix shared by several ids resolves to the first one registered.
type CombiningAlgRegistry struct {
	algs  map[string]CombiningAlg
	short map[string]CombiningAlg
}

// NewCombiningAlgRegistry builds an empty registry.
func NewCombiningAlgRegistry() *CombiningAlgRegistry {
	return &CombiningAlgRegistry{algs: make(map[string]CombiningAlg), short: make(map[string]CombiningAlg)}
}

// Register adds an algorithm under its id; duplicates are rejected.
func (r *CombiningAlgRegistry) Register(alg CombiningAlg) error {
	id := alg.ID()
	if _, ok := r.algs[id]; ok {
		return fmt.Errorf("combining algorithm %q already registered", id)
	}
	r.algs[id] = alg
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		suffix := id[i+1:]
		if _, ok := r.short[suffix]; !ok {
			r.short[suffix] = alg
		}
	}
	return nil
}

// GetAlgorithm resolves an algorithm id or short name.
func (r *CombiningAlgRegistry) GetAlgorithm(id string) (CombiningAlg, error) {
	if alg, ok := r.algs[id]; ok {
		return alg, nil
	}
	if alg, ok := r.short[id]; ok {
		return alg, nil
	}
	return nil, fmt.Errorf("unknown/unsupported combining algorithm %q", id)
}

// StandardCombiningAlgRegistry builds a registry with all standard
// algorithms under both their rule- and policy-combining URNs. The ordered-*
// variants share the plain implementations: children are always evaluated
// strictly in declaration order, which the unordered variants permit and
// deterministic obligation ordering requires.
func StandardCombiningAlgRegistry() *CombiningAlgRegistry {
	r := NewCombiningAlgRegistry()
	for _, alg := range []CombiningAlg{
		&dpOverridesAlg{id: AlgRuleDenyOverrides, overriding: Deny},
		&dpOverridesAlg{id: AlgRulePermitOverrides, overriding: Permit},
		&dpOverridesAlg{id: AlgRuleOrderedDenyOverrides, overriding: Deny},
		&dpOverridesAlg{id: AlgRuleOrderedPermitOverrides, overriding: Permit},
		&dpUnlessAlg{id: AlgRuleDenyUnlessPermit, defaultDecision: Deny},
		&dpUnlessAlg{id: AlgRulePermitUnlessDeny, defaultDecision: Permit},
		&firstApplicableAlg{id: AlgRuleFirstApplicable},

		&dpOverridesAlg{id: AlgPolicyDenyOverrides, overriding: Deny},
		&dpOverridesAlg{id: AlgPolicyPermitOverrides, overriding: Permit},
		&dpOverridesAlg{id: AlgPolicyOrderedDenyOverrides, overriding: Deny},
		&dpOverridesAlg{id: AlgPolicyOrderedPermitOverrides, overriding: Permit},
		&dpUnlessAlg{id: AlgPolicyDenyUnlessPermit, defaultDecision: Deny},
		&dpUnlessAlg{id: AlgPolicyPermitUnlessDeny, defaultDecision: Permit},
		&firstApplicableAlg{id: AlgPolicyFirstApplicable},
		&onlyOneApplicableAlg{id: AlgPolicyOnlyOneApplicable},
	} {
		_ = r.Register(alg)
	}
	return r
}

// indeterminateFromResult rebuilds the evaluation error carried by a child
// Indeterminate result, synthesizing a generic processing-error status when
// a misbehaving extension hid the root cause.
func indeterminateFromResult(res *DecisionResult) *IndeterminateError {
	bias := res.ExtIndeterminate
	if bias == NotApplicable {
		bias = Indeterminate
	}
	if res.Status == nil {
		return newIndeterminate(bias, StatusProcessingError, "cause unknown/hidden")
	}
	return &IndeterminateError{Bias: bias, Code: res.Status.Code, Message: res.Status.Message}
}

// checkCanceled implements cooperative cancellation: combining loops test
// the request context between child evaluations.
func checkCanceled(ctx *EvaluationContext) *IndeterminateError {
	if err := ctx.Err(); err != nil {
		return newIndeterminate(Indeterminate, StatusProcessingError, "evaluation canceled: %v", err)
	}
	return nil
}

// ============================================================================
// deny-overrides / permit-overrides (XACML 3.0 §C.2 / §C.3)
// ============================================================================

type dpOverridesAlg struct {
	id         string
	overriding DecisionType
}

func (a *dpOverridesAlg) ID() string { return a.id }

func (a *dpOverridesAlg) NewEvaluator(_ []CombiningAlgParameter, children []Decidable) (CombiningAlgEvaluator, error) {
	return &dpOverridesEvaluator{overriding: a.overriding, children: children}, nil
}

type dpOverridesEvaluator struct {
	overriding DecisionType
	children   []Decidable
}

func (e *dpOverridesEvaluator) Evaluate(ctx *EvaluationContext, outActions *PepActionCollector, outApplicable *ApplicablePolicyCollector) ExtendedDecision {
	overriding := e.overriding
	overridden := Permit
	if overriding == Permit {
		overridden = Deny
	}

	var firstIndDP, firstIndOverriding, firstIndOverridden *IndeterminateError
	atLeastOneOverridden := false
	var overriddenActions PepActionCollector

	for _, child := range e.children {
		if err := checkCanceled(ctx); err != nil {
			return extIndeterminate(Indeterminate, err)
		}
		res := child.Evaluate(ctx)
		outApplicable.AddAll(res.ApplicablePolicies)
		switch res.Decision {
		case overriding:
			// the overriding effect wins outright (§C.2 step 1)
			outActions.AddAll(res.PepActions)
			if overriding == Deny {
				return extDeny
			}
			return extPermit
		case overridden:
			atLeastOneOverridden = true
			overriddenActions.AddAll(res.PepActions)
		case NotApplicable:
			// skip
		case Indeterminate:
			err := indeterminateFromResult(res)
			switch res.ExtIndeterminate {
			case overriding:
				if firstIndOverriding == nil {
					firstIndOverriding = err
				}
			case overridden:
				if firstIndOverridden == nil {
					firstIndOverridden = err
				}
			default:
				if firstIndDP == nil {
					firstIndDP = err
				}
			}
		}
	}

	switch {
	case firstIndDP != nil:
		return extIndeterminate(Indeterminate, firstIndDP)
	case firstIndOverriding != nil && (firstIndOverridden != nil || atLeastOneOverridden):
		return extIndeterminate(Indeterminate, firstIndOverriding)
	case firstIndOverriding != nil:
		return extIndeterminate(overriding, firstIndOverriding)
	case atLeastOneOverridden:
		outActions.AddAll(overriddenActions.Snapshot())
		if overridden == Deny {
			return extDeny
		}
		return extPermit
	case firstIndOverridden != nil:
		return extIndeterminate(overridden, firstIndOverridden)
	}
	return extNotApplicable
}

// ============================================================================
// deny-unless-permit / permit-unless-deny (XACML 3.0 §C.6 / §C.7)
// ============================================================================

type dpUnlessAlg struct {
	id              string
	defaultDecision DecisionType
}

func (a *dpUnlessAlg) ID() string { return a.id }

func (a *dpUnlessAlg) NewEvaluator(_ []CombiningAlgParameter, children []Decidable) (CombiningAlgEvaluator, error) {
	return &dpUnlessEvaluator{defaultDecision: a.defaultDecision, children: children}, nil
}

type dpUnlessEvaluator struct {
	defaultDecision DecisionType
	children        []Decidable
}

func (e *dpUnlessEvaluator) Evaluate(ctx *EvaluationContext, outActions *PepActionCollector, outApplicable *ApplicablePolicyCollector) ExtendedDecision {
	nonDefault := Permit
	if e.defaultDecision == Permit {
		nonDefault = Deny
	}
	var defaultActions PepActionCollector
	for _, child := range e.children {
		if err := checkCanceled(ctx); err != nil {
			return extIndeterminate(Indeterminate, err)
		}
		res := child.Evaluate(ctx)
		outApplicable.AddAll(res.ApplicablePolicies)
		switch res.Decision {
		case nonDefault:
			outActions.AddAll(res.PepActions)
			if nonDefault == Deny {
				return extDeny
			}
			return extPermit
		case e.defaultDecision:
			defaultActions.AddAll(res.PepActions)
		}
		// NotApplicable and Indeterminate collapse into the default
	}
	outActions.AddAll(defaultActions.Snapshot())
	if e.defaultDecision == Deny {
		return extDeny
	}
	return extPermit
}

// ============================================================================
// first-applicable (XACML 3.0 §C.4 / §C.5)
// ============================================================================

type firstApplicableAlg struct {
	id string
}

func (a *firstApplicableAlg) ID() string { return a.id }

func (a *firstApplicableAlg) NewEvaluator(_ []CombiningAlgParameter, children []Decidable) (CombiningAlgEvaluator, error) {
	return &firstApplicableEvaluator{children: children}, nil
}

type firstApplicableEvaluator struct {
	children []Decidable
}

func (e *firstApplicableEvaluator) Evaluate(ctx *EvaluationContext, outActions *PepActionCollector, outApplicable *ApplicablePolicyCollector) ExtendedDecision {
	for _, child := range e.children {
		if err := checkCanceled(ctx); err != nil {
			return extIndeterminate(Indeterminate, err)
		}
		res := child.Evaluate(ctx)
		outApplicable.AddAll(res.ApplicablePolicies)
		switch res.Decision {
		case Permit:
			outActions.AddAll(res.PepActions)
			return extPermit
		case Deny:
			outActions.AddAll(res.PepActions)
			return extDeny
		case Indeterminate:
			return extIndeterminate(res.ExtIndeterminate, indeterminateFromResult(res))
		}
		// NotApplicable: try the next child
	}
	return extNotApplicable
}

// ============================================================================
// only-one-applicable (XACML 3.0 §C.8)
// ============================================================================

type onlyOneApplicableAlg struct {
	id string
}

func (a *onlyOneApplicableAlg) ID() string { return a.id }

func (a *onlyOneApplicableAlg) NewEvaluator(_ []CombiningAlgParameter, children []Decidable) (CombiningAlgEvaluator, error) {
	policies := make([]PolicyEvaluator, len(children))
	for i, c := range children {
		p, ok := c.(PolicyEvaluator)
		if !ok {
			return nil, fmt.Errorf("only-one-applicable requires policy children, got %T", c)
		}
		policies[i] = p
	}
	return &onlyOneApplicableEvaluator{children: policies}, nil
}

type onlyOneApplicableEvaluator struct {
	children []PolicyEvaluator
}

func (e *onlyOneApplicableEvaluator) Evaluate(ctx *EvaluationContext, outActions *PepActionCollector, outApplicable *ApplicablePolicyCollector) ExtendedDecision {
	var selected PolicyEvaluator
	for _, child := range e.children {
		if err := checkCanceled(ctx); err != nil {
			return extIndeterminate(Indeterminate, err)
		}
		applicable, err := child.IsApplicableByTarget(ctx)
		if err != nil {
			return extIndeterminate(Indeterminate,
				wrapIndeterminate(Indeterminate, err, "error checking whether policy %q is applicable by Target", child.PolicyID()))
		}
		if !applicable {
			continue
		}
		if selected != nil {
			return extIndeterminate(Indeterminate, newIndeterminate(Indeterminate, StatusProcessingError,
				"more than one applicable policy for only-one-applicable (at least %q and %q)", selected.PolicyID(), child.PolicyID()))
		}
		selected = child
	}
	if selected == nil {
		return extNotApplicable
	}
	// Target already tested above; do not test it again
	res := selected.EvaluateSkippingTarget(ctx)
	outApplicable.AddAll(res.ApplicablePolicies)
	switch res.Decision {
	case Permit:
		outActions.AddAll(res.PepActions)
		return extPermit
	case Deny:
		outActions.AddAll(res.PepActions)
		return extDeny
	case Indeterminate:
		return extIndeterminate(res.ExtIndeterminate, indeterminateFromResult(res))
	}
	return extNotApplicable
}

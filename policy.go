package pdp

import (
	"fmt"

	"github.com/authzforce-ce/core/logger"
)

// ============================================================================
// POLICY / POLICYSET EVALUATOR
// ============================================================================

// PolicyEvaluator is a Policy, PolicySet or Policy(Set)IdReference
// evaluator, combinable as a child of a PolicySet.
type PolicyEvaluator interface {
	Decidable

	// EvaluateSkippingTarget evaluates without re-testing the Target. Used
	// by only-one-applicable after IsApplicableByTarget.
	EvaluateSkippingTarget(ctx *EvaluationContext) *DecisionResult

	// IsApplicableByTarget tests the Target alone.
	IsApplicableByTarget(ctx *EvaluationContext) (bool, error)

	PolicyElementType() PolicyElementType
	PolicyID() string

	// PolicyVersion returns the (resolved) policy version; dynamic
	// references need the context to resolve first.
	PolicyVersion(ctx *EvaluationContext) (PolicyVersion, error)

	// PolicyRefsMetadata describes the references transitively reachable
	// from this element; nil when there are none.
	PolicyRefsMetadata(ctx *EvaluationContext) (*PolicyRefsMetadata, error)

	// EnclosedPolicies lists the (id, version) identities enclosed in this
	// evaluator's subtree, itself included; empty for references.
	EnclosedPolicies() []PrimaryPolicyMetadata
}

// TopLevelPolicyElementEvaluator is a directly evaluable Policy or
// PolicySet.
type TopLevelPolicyElementEvaluator interface {
	PolicyEvaluator
	PrimaryMetadata() PrimaryPolicyMetadata
}

// staticRefsMetadataProvider is implemented by evaluators whose
// refs-metadata is known at compile time.
type staticRefsMetadataProvider interface {
	staticPolicyRefsMetadata() (*PolicyRefsMetadata, bool)
}

// policyEvalResults is the two-slot per-request memo of a policy element:
// one slot per skipTarget mode, because only-one-applicable evaluates the
// Target separately from the rest.
type policyEvalResults struct {
	withTarget    *DecisionResult
	withoutTarget *DecisionResult
}

// set stores a result in the slot; an already-set slot indicates a
// recursive evaluation the engine does not permit, so the first write wins
// and the condition is reported to the caller.
func (r *policyEvalResults) set(skipTarget bool, res *DecisionResult) bool {
	if skipTarget {
		if r.withoutTarget != nil {
			return false
		}
		r.withoutTarget = res
		return true
	}
	if r.withTarget != nil {
		return false
	}
	r.withTarget = res
	return true
}

type topLevelPolicyEvaluator struct {
	metadata PrimaryPolicyMetadata
	target   BooleanEvaluator

	// policy-scoped variables, in declaration order, assigned eagerly
	// before the combining algorithm runs and removed on every exit path
	localVariables []*VariableExpression

	combining CombiningAlgEvaluator

	// obligation/advice expressions split by the decision they apply to
	denyActionExprs   []*PepActionExpression
	permitActionExprs []*PepActionExpression

	enclosedPolicies []PrimaryPolicyMetadata

	// request-scoped memo key, unique per evaluator instance
	cacheKey string

	// refs metadata: static when compiled against a static provider,
	// otherwise recomputed per request from the children carrying refs
	staticRefsMeta      *PolicyRefsMetadata
	staticRefsMetaKnown bool
	refsChildren        []PolicyEvaluator
	refsMetaCacheKey    string

	log logger.Logger
}

var _ TopLevelPolicyElementEvaluator = (*topLevelPolicyEvaluator)(nil)

func (e *topLevelPolicyEvaluator) String() string { return e.metadata.String() }

func (e *topLevelPolicyEvaluator) PrimaryMetadata() PrimaryPolicyMetadata { return e.metadata }

func (e *topLevelPolicyEvaluator) PolicyElementType() PolicyElementType { return e.metadata.Type }

func (e *topLevelPolicyEvaluator) PolicyID() string { return e.metadata.ID }

func (e *topLevelPolicyEvaluator) PolicyVersion(*EvaluationContext) (PolicyVersion, error) {
	return e.metadata.Version, nil
}

func (e *topLevelPolicyEvaluator) EnclosedPolicies() []PrimaryPolicyMetadata {
	return e.enclosedPolicies
}

func (e *topLevelPolicyEvaluator) IsApplicableByTarget(ctx *EvaluationContext) (bool, error) {
	return e.target.Evaluate(ctx)
}

func (e *topLevelPolicyEvaluator) staticPolicyRefsMetadata() (*PolicyRefsMetadata, bool) {
	return e.staticRefsMeta, e.staticRefsMetaKnown
}

// refsMetaInProgress marks a refs-metadata computation already running in
// this context; hitting it means the reference graph loops back on itself.
type refsMetaInProgress struct{}

func (e *topLevelPolicyEvaluator) PolicyRefsMetadata(ctx *EvaluationContext) (*PolicyRefsMetadata, error) {
	if e.staticRefsMetaKnown {
		return e.staticRefsMeta, nil
	}
	// dynamic: resolve through children once per request
	if v := ctx.Other(e.refsMetaCacheKey); v != nil {
		if _, running := v.(refsMetaInProgress); running {
			// re-entered while still computing: circular reference; fail
			// instead of diverging
			return nil, newIndeterminate(Indeterminate, StatusProcessingError,
				"circular policy reference detected involving %s", e.metadata)
		}
		if meta, ok := v.(*PolicyRefsMetadata); ok {
			return meta, nil
		}
		// nil was cached: no refs
		return nil, nil
	}
	ctx.PutOther(e.refsMetaCacheKey, refsMetaInProgress{})
	acc := &PolicyRefsMetadata{}
	for _, child := range e.refsChildren {
		childMeta, err := child.PolicyRefsMetadata(ctx)
		if err != nil {
			ctx.RemoveOther(e.refsMetaCacheKey)
			return nil, err
		}
		mergeChildRefsMetadata(acc, childMeta)
	}
	var out *PolicyRefsMetadata
	if len(acc.RefPolicies) > 0 {
		out = acc
	}
	ctx.PutOther(e.refsMetaCacheKey, out)
	return out, nil
}

func (e *topLevelPolicyEvaluator) Evaluate(ctx *EvaluationContext) *DecisionResult {
	return e.evaluate(ctx, false)
}

func (e *topLevelPolicyEvaluator) EvaluateSkippingTarget(ctx *EvaluationContext) *DecisionResult {
	return e.evaluate(ctx, true)
}

// evaluate implements the Policy(Set) evaluation protocol: memo lookup,
// Target test, eager variable assignment, combining algorithm, extended-
// indeterminate combination per XACML 3.0 §7.14, PEP action fulfillment
// and applicable-policy accumulation.
func (e *topLevelPolicyEvaluator) evaluate(ctx *EvaluationContext, skipTarget bool) *DecisionResult {
	var cached *policyEvalResults
	if v := ctx.Other(e.cacheKey); v != nil {
		cached, _ = v.(*policyEvalResults)
	}
	if cached != nil {
		if skipTarget && cached.withoutTarget != nil {
			return cached.withoutTarget
		}
		if !skipTarget && cached.withTarget != nil {
			return cached.withTarget
		}
	}

	var newResult *DecisionResult
	defer func() {
		// local variables must not leak out of this policy's scope,
		// whatever the exit path
		for _, v := range e.localVariables {
			ctx.RemoveVariable(v.VariableID())
		}
		if newResult == nil {
			return
		}
		if cached == nil {
			cached = &policyEvalResults{}
			ctx.PutOther(e.cacheKey, cached)
		}
		if !cached.set(skipTarget, newResult) {
			e.log.Error("policy evaluation result already set in this context, overlapping evaluation not permitted",
				"policy", e.metadata.String(), "skip_target", skipTarget)
		}
	}()

	var targetIndeterminate *IndeterminateError
	if !skipTarget {
		matched, err := e.target.Evaluate(ctx)
		if err != nil {
			// do not return yet: §7.14 combines the Target Indeterminate
			// with the combining algorithm's decision below
			targetIndeterminate = wrapIndeterminate(Indeterminate, err, "%s: Target indeterminate", e.metadata)
		} else if !matched {
			newResult = simpleNotApplicable
			return newResult
		}
	}

	// make local variable values available to everything in this scope
	for _, v := range e.localVariables {
		if _, err := v.Evaluate(ctx); err != nil {
			ie := wrapIndeterminate(Indeterminate, err, "%s: failed to evaluate local variable %q", e.metadata, v.VariableID())
			newResult = indeterminateResult(Indeterminate, ie, nil)
			return newResult
		}
	}

	var actions PepActionCollector
	applicable := newApplicablePolicyCollector(ctx.ApplicablePolicyListRequested())
	algResult := e.combining.Evaluate(ctx, &actions, applicable)

	if targetIndeterminate != nil {
		switch algResult.Decision {
		case NotApplicable:
			// not applicable regardless of the Target error; the policy is
			// not added to the applicable list
			newResult = notApplicableResult(statusOf(algResult))
		case Permit, Deny:
			applicable.Add(e.metadata)
			newResult = indeterminateResult(algResult.Decision, targetIndeterminate, applicable.Snapshot())
		default:
			applicable.Add(e.metadata)
			newResult = indeterminateResult(algResult.ExtIndeterminate, targetIndeterminate, applicable.Snapshot())
		}
		return newResult
	}

	switch algResult.Decision {
	case NotApplicable:
		newResult = notApplicableResult(statusOf(algResult))
	case Indeterminate:
		applicable.Add(e.metadata)
		err := algResult.Err
		if err == nil {
			// extension returned Indeterminate without a cause: synthesize
			// a generic status instead of failing
			e.log.Error("combining algorithm returned Indeterminate without a cause", "policy", e.metadata.String())
			err = newIndeterminate(algResult.ExtIndeterminate, StatusProcessingError, "cause unknown/hidden")
		}
		newResult = indeterminateResult(algResult.ExtIndeterminate, err, applicable.Snapshot())
	default:
		applicable.Add(e.metadata)
		newResult = e.fulfillPepActions(ctx, algResult, &actions, applicable.Snapshot())
	}
	return newResult
}

// fulfillPepActions appends this policy's own obligation/advice matching
// the combining decision. Any Indeterminate in an assignment collapses the
// whole policy to Indeterminate biased by the decision (XACML 3.0 §7.18).
func (e *topLevelPolicyEvaluator) fulfillPepActions(ctx *EvaluationContext, algResult ExtendedDecision, actions *PepActionCollector, applicable []PrimaryPolicyMetadata) *DecisionResult {
	exprs := e.permitActionExprs
	if algResult.Decision == Deny {
		exprs = e.denyActionExprs
	}
	for _, exp := range exprs {
		action, err := exp.Evaluate(ctx)
		if err != nil {
			ie := wrapIndeterminate(algResult.Decision, err, "%s: obligation/advice indeterminate", e.metadata)
			return indeterminateResult(algResult.Decision, ie, applicable)
		}
		actions.Add(action)
	}
	return determinateResult(algResult, actions.Snapshot(), applicable)
}

func statusOf(d ExtendedDecision) *Status {
	if d.Err == nil {
		return nil
	}
	return d.Err.Status()
}

// ============================================================================
// POLICY COMPILER
// ============================================================================

// PolicyCompiler builds evaluators from policy documents. A compiler is
// cheap and single-use-safe; the expression factory it holds is mutated
// during construction (variable namespace) and must not be shared with a
// concurrent compilation.
type PolicyCompiler struct {
	exprFactory *ExpressionFactory
	algRegistry *CombiningAlgRegistry
	namespaces  map[string]string
	log         logger.Logger

	// keep provably-NotApplicable rules in the evaluator for diagnostics
	// instead of pruning them
	keepRedundantRules bool
}

// PolicyCompilerOption configures a PolicyCompiler.
type PolicyCompilerOption func(*PolicyCompiler)

// WithCompileLogger sets the compile-time logger.
func WithCompileLogger(l logger.Logger) PolicyCompilerOption {
	return func(c *PolicyCompiler) {
		if l != nil {
			c.log = l
		}
	}
}

// WithNamespaces sets the XML namespace prefix table for XPath compilation.
func WithNamespaces(ns map[string]string) PolicyCompilerOption {
	return func(c *PolicyCompiler) { c.namespaces = ns }
}

// WithKeepRedundantRules keeps constant-false-condition rules in the
// compiled policy for diagnostics.
func WithKeepRedundantRules(keep bool) PolicyCompilerOption {
	return func(c *PolicyCompiler) { c.keepRedundantRules = keep }
}

// NewPolicyCompiler builds a compiler over an expression factory and a
// combining-algorithm registry.
func NewPolicyCompiler(f *ExpressionFactory, reg *CombiningAlgRegistry, opts ...PolicyCompilerOption) *PolicyCompiler {
	if f == nil {
		f = NewExpressionFactory(nil)
	}
	if reg == nil {
		reg = StandardCombiningAlgRegistry()
	}
	c := &PolicyCompiler{exprFactory: f, algRegistry: reg, log: logger.NewNullLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// childXPathCompiler derives the XPath compiler for a policy element from
// its parent's and its own Policy(Set)Defaults/XPathVersion. Nil when XPath
// support is disabled for the element.
func (c *PolicyCompiler) childXPathCompiler(parent *XPathCompiler, xpathVersion string) *XPathCompiler {
	if !c.exprFactory.IsXPathEnabled() {
		return nil
	}
	if xpathVersion == "" {
		return parent
	}
	if parent != nil && parent.Version() == xpathVersion {
		return parent
	}
	return NewXPathCompiler(xpathVersion, c.namespaces)
}

func variableIDs(vars []*VariableExpression) []string {
	out := make([]string, len(vars))
	for i, v := range vars {
		out[i] = v.VariableID()
	}
	return out
}

func compileCombinerParams(defs []CombinerParameterDef, elementID string) (CombiningAlgParameter, error) {
	p := CombiningAlgParameter{ElementID: elementID}
	for i := range defs {
		v, err := ParseAttributeValue(defs[i].Value.DataType, defs[i].Value.Value)
		if err != nil {
			return CombiningAlgParameter{}, fmt.Errorf("invalid CombinerParameter #%d (%s): %w", i, defs[i].Name, err)
		}
		p.Assignments = append(p.Assignments, ParameterAssignment{Name: defs[i].Name, Value: v})
	}
	return p, nil
}

// CompilePolicy compiles a Policy document into an immutable evaluator.
// Local VariableDefinitions are registered in the expression factory only
// for the duration of this call; they are removed from the factory's
// namespace on return, whatever the outcome.
func (c *PolicyCompiler) CompilePolicy(def *PolicyDef, parentXC *XPathCompiler) (_ TopLevelPolicyElementEvaluator, err error) {
	if def == nil {
		return nil, fmt.Errorf("undefined Policy")
	}
	version, err := ParsePolicyVersion(def.Version)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", def.ID, err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("policy without a PolicyId")
	}
	metadata := PrimaryPolicyMetadata{Type: PolicyType, ID: def.ID, Version: version}

	xc := c.childXPathCompiler(parentXC, def.XPathVersion)
	target, err := newTargetEvaluator(def.Target, c.exprFactory, xc)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid Target: %w", metadata, err)
	}

	var localVars []*VariableExpression
	defer func() {
		// variables are scoped to this policy: remove them from the global
		// factory namespace when leaving its construction scope
		for _, v := range localVars {
			c.exprFactory.RemoveVariable(v.VariableID())
		}
	}()

	var (
		children      []Decidable
		rulesByID     = make(map[string]*RuleEvaluator)
		algParams     []CombiningAlgParameter
		newXCRequired bool
	)
	for i, child := range def.orderedChildren() {
		// a VariableDefinition was added since the last XPath compiler was
		// created: derive a fresh compiler exposing it as an XPath variable
		if xc != nil && newXCRequired {
			xc = xc.WithVariables(variableIDs(localVars))
			newXCRequired = false
		}
		switch {
		case child.Variable != nil:
			prev, _, err := c.exprFactory.AddVariable(child.Variable, xc)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (VariableDefinition): %w", metadata, i, err)
			}
			if prev != nil {
				// conflicts include variables defined in an ancestor policy
				return nil, fmt.Errorf("%s: duplicate VariableDefinition for VariableId %q", metadata, child.Variable.ID)
			}
			v, err := c.exprFactory.GetVariableExpression(child.Variable.ID)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", metadata, err)
			}
			localVars = append(localVars, v)
			newXCRequired = true

		case child.Rule != nil:
			r, err := NewRuleEvaluator(child.Rule, c.exprFactory, xc)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (Rule): %w", metadata, i, err)
			}
			if _, dup := rulesByID[r.RuleID()]; dup {
				return nil, fmt.Errorf("%s: duplicate Rule with RuleId %q", metadata, r.RuleID())
			}
			rulesByID[r.RuleID()] = r
			if r.IsAlwaysNotApplicable() && !c.keepRedundantRules {
				c.log.Info("pruning rule with constant false condition, it contributes nothing",
					"policy", metadata.String(), "rule", r.RuleID())
				continue
			}
			children = append(children, r)

		case child.RuleCombinerParameters != nil:
			ref := child.RuleCombinerParameters.RuleIDRef
			if _, ok := rulesByID[ref]; !ok {
				return nil, fmt.Errorf("%s: invalid RuleCombinerParameters: no Rule %q defined before this element", metadata, ref)
			}
			p, err := compileCombinerParams(child.RuleCombinerParameters.Parameters, ref)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (RuleCombinerParameters): %w", metadata, i, err)
			}
			algParams = append(algParams, p)

		default:
			return nil, fmt.Errorf("%s: empty child #%d", metadata, i)
		}
	}

	if len(def.CombinerParameters) > 0 {
		p, err := compileCombinerParams(def.CombinerParameters, "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", metadata, err)
		}
		algParams = append(algParams, p)
	}

	denyExprs, permitExprs, err := compilePepActionExpressions(def.Obligations, def.Advice, c.exprFactory, xc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metadata, err)
	}

	alg, err := c.algRegistry.GetAlgorithm(def.RuleCombiningAlgID)
	if err != nil {
		return nil, fmt.Errorf("%s: unknown rule-combining algorithm: %w", metadata, err)
	}
	combining, err := alg.NewEvaluator(algParams, children)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metadata, err)
	}

	return &topLevelPolicyEvaluator{
		metadata:            metadata,
		target:              target,
		localVariables:      localVars,
		combining:           combining,
		denyActionExprs:     denyExprs,
		permitActionExprs:   permitExprs,
		enclosedPolicies:    []PrimaryPolicyMetadata{metadata},
		cacheKey:            nextCacheKey("pdp.policy." + metadata.String()),
		staticRefsMetaKnown: true, // a Policy carries no references
		log:                 c.log,
	}, nil
}

// CompilePolicySet compiles a PolicySet document. The provider resolves
// Policy(Set)IdReferences: a static provider resolves them now (compile-time
// failure on unresolved/cyclic/deep references), any other provider defers
// resolution to evaluation time. refChain carries the PolicySetIdReference
// chain from the root to this element; nil for a root PolicySet.
func (c *PolicyCompiler) CompilePolicySet(def *PolicySetDef, provider PolicyProvider, refChain []string, parentXC *XPathCompiler) (TopLevelPolicyElementEvaluator, error) {
	if def == nil {
		return nil, fmt.Errorf("undefined PolicySet")
	}
	if def.ID == "" {
		return nil, fmt.Errorf("policy set without a PolicySetId")
	}
	version, err := ParsePolicyVersion(def.Version)
	if err != nil {
		return nil, fmt.Errorf("policy set %q: %w", def.ID, err)
	}
	metadata := PrimaryPolicyMetadata{Type: PolicySetType, ID: def.ID, Version: version}

	xc := c.childXPathCompiler(parentXC, def.XPathVersion)
	target, err := newTargetEvaluator(def.Target, c.exprFactory, xc)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid Target: %w", metadata, err)
	}

	staticProvider, isStatic := provider.(StaticResolver)

	var (
		children         []Decidable
		refsChildren     []PolicyEvaluator
		childPolicyIDs   = make(map[string]struct{})
		childSetIDs      = make(map[string]struct{})
		algParams        []CombiningAlgParameter
		staticRefsMeta   = &PolicyRefsMetadata{}
		sawStaticRefMeta = false
	)

	addPolicyChild := func(pe PolicyEvaluator) {
		children = append(children, pe)
		if !isStatic {
			refsChildren = append(refsChildren, pe)
		}
	}

	for i, child := range def.Children {
		switch {
		case child.Policy != nil:
			pe, err := c.CompilePolicy(child.Policy, xc)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (Policy): %w", metadata, i, err)
			}
			if _, dup := childPolicyIDs[pe.PolicyID()]; dup {
				return nil, fmt.Errorf("%s: duplicate PolicyId %q", metadata, pe.PolicyID())
			}
			childPolicyIDs[pe.PolicyID()] = struct{}{}
			addPolicyChild(pe)

		case child.PolicySet != nil:
			childChain := refChain
			if len(childChain) == 0 {
				childChain = []string{def.ID}
			}
			pe, err := c.CompilePolicySet(child.PolicySet, provider, childChain, xc)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (PolicySet): %w", metadata, i, err)
			}
			if _, dup := childSetIDs[pe.PolicyID()]; dup {
				return nil, fmt.Errorf("%s: duplicate PolicySetId %q", metadata, pe.PolicyID())
			}
			childSetIDs[pe.PolicyID()] = struct{}{}
			addPolicyChild(pe)
			if sp, ok := pe.(staticRefsMetadataProvider); ok {
				if m, known := sp.staticPolicyRefsMetadata(); known {
					mergeChildRefsMetadata(staticRefsMeta, m)
					sawStaticRefMeta = sawStaticRefMeta || m != nil
				}
			}

		case child.PolicyRef != nil:
			if provider == nil {
				return nil, fmt.Errorf("%s: invalid child #%d (PolicyIdReference): no policy provider configured", metadata, i)
			}
			pe, err := c.compilePolicyRef(PolicyType, child.PolicyRef, provider, staticProvider, isStatic, nil)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (PolicyIdReference): %w", metadata, i, err)
			}
			if _, dup := childPolicyIDs[pe.PolicyID()]; dup {
				return nil, fmt.Errorf("%s: duplicate PolicyIdReference id %q", metadata, pe.PolicyID())
			}
			childPolicyIDs[pe.PolicyID()] = struct{}{}
			addPolicyChild(pe)
			if sp, ok := pe.(staticRefsMetadataProvider); ok {
				if m, known := sp.staticPolicyRefsMetadata(); known {
					mergeChildRefsMetadata(staticRefsMeta, m)
					sawStaticRefMeta = true
				}
			}

		case child.PolicySetRef != nil:
			if provider == nil {
				return nil, fmt.Errorf("%s: invalid child #%d (PolicySetIdReference): no policy provider configured", metadata, i)
			}
			base := refChain
			if len(base) == 0 {
				base = []string{def.ID}
			}
			// pre-extend the chain with the referenced id; the provider
			// enforces the loop and depth rules
			childChain, err := provider.JoinPolicyRefChains(base, []string{child.PolicySetRef.ID})
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (PolicySetIdReference to %q): %w", metadata, i, child.PolicySetRef.ID, err)
			}
			pe, err := c.compilePolicyRef(PolicySetType, child.PolicySetRef, provider, staticProvider, isStatic, childChain)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (PolicySetIdReference): %w", metadata, i, err)
			}
			if _, dup := childSetIDs[pe.PolicyID()]; dup {
				return nil, fmt.Errorf("%s: duplicate PolicySetIdReference id %q", metadata, pe.PolicyID())
			}
			childSetIDs[pe.PolicyID()] = struct{}{}
			addPolicyChild(pe)
			if sp, ok := pe.(staticRefsMetadataProvider); ok {
				if m, known := sp.staticPolicyRefsMetadata(); known {
					mergeChildRefsMetadata(staticRefsMeta, m)
					sawStaticRefMeta = true
				}
			}

		case len(child.CombinerParameters) > 0:
			p, err := compileCombinerParams(child.CombinerParameters, "")
			if err != nil {
				return nil, fmt.Errorf("%s: invalid child #%d (CombinerParameters): %w", metadata, i, err)
			}
			algParams = append(algParams, p)

		default:
			return nil, fmt.Errorf("%s: empty child #%d", metadata, i)
		}
	}

	// no two policies visible to the PDP may share (id, version) within the
	// enclosing tree (XACML 3.0 §5.1)
	enclosed := []PrimaryPolicyMetadata{metadata}
	for _, child := range children {
		pe, ok := child.(PolicyEvaluator)
		if !ok {
			continue
		}
		for _, m := range pe.EnclosedPolicies() {
			for _, existing := range enclosed {
				if existing.Equal(m) {
					return nil, fmt.Errorf("%s: duplicate policy (id, version): %s enclosed multiple times", metadata, m)
				}
			}
			enclosed = append(enclosed, m)
		}
	}

	denyExprs, permitExprs, err := compilePepActionExpressions(def.Obligations, def.Advice, c.exprFactory, xc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metadata, err)
	}

	alg, err := c.algRegistry.GetAlgorithm(def.PolicyCombiningAlgID)
	if err != nil {
		return nil, fmt.Errorf("%s: unknown policy-combining algorithm: %w", metadata, err)
	}
	combining, err := alg.NewEvaluator(algParams, children)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", metadata, err)
	}

	e := &topLevelPolicyEvaluator{
		metadata:          metadata,
		target:            target,
		combining:         combining,
		denyActionExprs:   denyExprs,
		permitActionExprs: permitExprs,
		enclosedPolicies:  enclosed,
		cacheKey:          nextCacheKey("pdp.policyset." + metadata.String()),
		log:               c.log,
	}
	if isStatic {
		e.staticRefsMetaKnown = true
		if sawStaticRefMeta && len(staticRefsMeta.RefPolicies) > 0 {
			e.staticRefsMeta = staticRefsMeta
		}
	} else {
		e.refsChildren = refsChildren
		e.refsMetaCacheKey = nextCacheKey("pdp.refsmeta." + metadata.String())
	}
	return e, nil
}

// compilePolicyRef builds a reference evaluator: resolved now against a
// static provider, or deferred to evaluation time otherwise.
func (c *PolicyCompiler) compilePolicyRef(refType PolicyElementType, def *PolicyRefDef, provider PolicyProvider, staticProvider StaticResolver, isStatic bool, refChain []string) (PolicyEvaluator, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("%sIdReference without an id", refType)
	}
	constraints, err := NewPolicyVersionPatterns(def.Version, def.EarliestVersion, def.LatestVersion)
	if err != nil {
		return nil, fmt.Errorf("%sIdReference %q: %w", refType, def.ID, err)
	}
	if isStatic {
		resolved, err := staticProvider.GetStatic(refType, def.ID, constraints, refChain)
		if err != nil {
			return nil, fmt.Errorf("error resolving %sIdReference %q statically: %w", refType, def.ID, err)
		}
		return newStaticPolicyRefEvaluator(resolved, constraints)
	}
	if refType == PolicyType {
		return newDynamicPolicyRefEvaluator(def.ID, constraints, provider), nil
	}
	return newDynamicPolicySetRefEvaluator(def.ID, constraints, provider, refChain), nil
}

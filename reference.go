package pdp

import (
	"fmt"
)

// ============================================================================
// POLICY REFERENCE EVALUATORS
// ============================================================================

// policyRefEvaluator is the state shared by static and dynamic
// Policy(Set)IdReference evaluators.
type policyRefEvaluator struct {
	refType     PolicyElementType
	refID       string
	constraints *PolicyVersionPatterns
	str         string
}

func newPolicyRefBase(refType PolicyElementType, refID string, constraints *PolicyVersionPatterns) policyRefEvaluator {
	return policyRefEvaluator{
		refType:     refType,
		refID:       refID,
		constraints: constraints,
		str:         fmt.Sprintf("%sIdReference[Id=%s, %s]", refType, refID, constraints),
	}
}

func (e *policyRefEvaluator) PolicyElementType() PolicyElementType { return e.refType }

func (e *policyRefEvaluator) PolicyID() string { return e.refID }

func (e *policyRefEvaluator) String() string { return e.str }

// EnclosedPolicies is empty for references: the referenced tree lives
// behind the provider, not inside the referencing PolicySet.
func (e *policyRefEvaluator) EnclosedPolicies() []PrimaryPolicyMetadata { return nil }

// EqualRef reports reference-evaluator equality: same referenced type, id
// and version constraints. This governs structural sharing across the
// compiled tree and has no runtime effect.
func (e *policyRefEvaluator) EqualRef(o *policyRefEvaluator) bool {
	return e.refType == o.refType && e.refID == o.refID && e.constraints.String() == o.constraints.String()
}

// ----------------------------------------------------------------------------
// static reference
// ----------------------------------------------------------------------------

// staticPolicyRefEvaluator delegates to a policy resolved once at compile
// time by a static provider.
type staticPolicyRefEvaluator struct {
	policyRefEvaluator
	referred TopLevelPolicyElementEvaluator
	refsMeta *PolicyRefsMetadata
}

var _ PolicyEvaluator = (*staticPolicyRefEvaluator)(nil)

func newStaticPolicyRefEvaluator(referred TopLevelPolicyElementEvaluator, constraints *PolicyVersionPatterns) (PolicyEvaluator, error) {
	if referred == nil {
		return nil, fmt.Errorf("undefined policy behind static reference")
	}
	meta := referred.PrimaryMetadata()
	var referredRefs *PolicyRefsMetadata
	if sp, ok := referred.(staticRefsMetadataProvider); ok {
		if m, known := sp.staticPolicyRefsMetadata(); known {
			referredRefs = m
		} else {
			return nil, fmt.Errorf("policy %s behind static reference has non-static refs metadata", meta)
		}
	}
	return &staticPolicyRefEvaluator{
		policyRefEvaluator: newPolicyRefBase(meta.Type, meta.ID, constraints),
		referred:           referred,
		refsMeta:           refsMetadataThroughRef(meta, referredRefs),
	}, nil
}

func (e *staticPolicyRefEvaluator) Evaluate(ctx *EvaluationContext) *DecisionResult {
	return e.referred.Evaluate(ctx)
}

func (e *staticPolicyRefEvaluator) EvaluateSkippingTarget(ctx *EvaluationContext) *DecisionResult {
	return e.referred.EvaluateSkippingTarget(ctx)
}

func (e *staticPolicyRefEvaluator) IsApplicableByTarget(ctx *EvaluationContext) (bool, error) {
	ok, err := e.referred.IsApplicableByTarget(ctx)
	if err != nil {
		return false, wrapIndeterminate(Indeterminate, err, "error checking whether policy referenced by %s is applicable", e.str)
	}
	return ok, nil
}

func (e *staticPolicyRefEvaluator) PolicyVersion(*EvaluationContext) (PolicyVersion, error) {
	return e.referred.PrimaryMetadata().Version, nil
}

func (e *staticPolicyRefEvaluator) PolicyRefsMetadata(*EvaluationContext) (*PolicyRefsMetadata, error) {
	return e.refsMeta, nil
}

func (e *staticPolicyRefEvaluator) staticPolicyRefsMetadata() (*PolicyRefsMetadata, bool) {
	return e.refsMeta, true
}

// ----------------------------------------------------------------------------
// dynamic reference
// ----------------------------------------------------------------------------

// dynamicRefResolution is the per-request, context-cached result of
// resolving a dynamic reference: either the policy plus its refs metadata,
// or a sticky resolution error.
type dynamicRefResolution struct {
	policy   TopLevelPolicyElementEvaluator
	refsMeta *PolicyRefsMetadata
	err      *IndeterminateError
}

// dynamicPolicyRefEvaluator resolves a Policy(Set)IdReference per request
// through a PolicyProvider, caching the resolution in the context so the
// same reference resolves consistently within one request.
type dynamicPolicyRefEvaluator struct {
	policyRefEvaluator
	provider PolicyProvider
	cacheKey string

	// chain of PolicySet ids from the root down to this reference's target
	// (included); nil for Policy references, which cannot nest references
	refChainToTarget []string
}

var _ PolicyEvaluator = (*dynamicPolicyRefEvaluator)(nil)

func newDynamicPolicyRefEvaluator(refID string, constraints *PolicyVersionPatterns, provider PolicyProvider) PolicyEvaluator {
	e := &dynamicPolicyRefEvaluator{
		policyRefEvaluator: newPolicyRefBase(PolicyType, refID, constraints),
		provider:           provider,
	}
	e.cacheKey = nextCacheKey("pdp.ref." + e.str)
	return e
}

func newDynamicPolicySetRefEvaluator(refID string, constraints *PolicyVersionPatterns, provider PolicyProvider, refChainToTarget []string) PolicyEvaluator {
	e := &dynamicPolicyRefEvaluator{
		policyRefEvaluator: newPolicyRefBase(PolicySetType, refID, constraints),
		provider:           provider,
		refChainToTarget:   refChainToTarget,
	}
	e.cacheKey = nextCacheKey("pdp.ref." + e.str)
	return e
}

// checkRefChain re-runs the chain join against the resolved policy's refs
// metadata. It runs even for cached resolutions: the same policy may be
// reached via a different chain that would create a loop or exceed the
// depth limit.
func (e *dynamicPolicyRefEvaluator) checkRefChain(ctx *EvaluationContext, policy TopLevelPolicyElementEvaluator) *IndeterminateError {
	if e.refType != PolicySetType {
		return nil
	}
	meta, err := policy.PolicyRefsMetadata(ctx)
	if err != nil {
		return asIndeterminate(Indeterminate, err)
	}
	if meta == nil {
		return nil
	}
	if _, err := e.provider.JoinPolicyRefChains(e.refChainToTarget, meta.LongestPolicyRefChain); err != nil {
		return newIndeterminate(Indeterminate, StatusProcessingError, "%s: invalid reference chain: %v", e.str, err)
	}
	return nil
}

func (e *dynamicPolicyRefEvaluator) resolve(ctx *EvaluationContext) (*dynamicRefResolution, *IndeterminateError) {
	if v := ctx.Other(e.cacheKey); v != nil {
		if res, ok := v.(*dynamicRefResolution); ok {
			if res.err != nil {
				return nil, res.err
			}
			if err := e.checkRefChain(ctx, res.policy); err != nil {
				return nil, err
			}
			return res, nil
		}
	}

	chain := append([]string(nil), e.refChainToTarget...)
	policy, err := e.provider.Get(e.refType, e.refID, e.constraints, chain, ctx)
	if err != nil {
		ie := wrapIndeterminate(Indeterminate, err, "error resolving %s to the policy to evaluate in the request context", e.str)
		ctx.PutOther(e.cacheKey, &dynamicRefResolution{err: ie})
		return nil, ie
	}
	refsMeta, metaErr := policy.PolicyRefsMetadata(ctx)
	if metaErr != nil {
		ie := asIndeterminate(Indeterminate, metaErr)
		ctx.PutOther(e.cacheKey, &dynamicRefResolution{err: ie})
		return nil, ie
	}
	res := &dynamicRefResolution{
		policy:   policy,
		refsMeta: refsMetadataThroughRef(policy.PrimaryMetadata(), refsMeta),
	}
	ctx.PutOther(e.cacheKey, res)
	return res, nil
}

func (e *dynamicPolicyRefEvaluator) Evaluate(ctx *EvaluationContext) *DecisionResult {
	return e.evaluate(ctx, false)
}

func (e *dynamicPolicyRefEvaluator) EvaluateSkippingTarget(ctx *EvaluationContext) *DecisionResult {
	return e.evaluate(ctx, true)
}

func (e *dynamicPolicyRefEvaluator) evaluate(ctx *EvaluationContext, skipTarget bool) *DecisionResult {
	res, err := e.resolve(ctx)
	if err != nil {
		// unresolved dynamic reference: no applicable policy found
		return indeterminateResult(Indeterminate, err, nil)
	}
	if skipTarget {
		return res.policy.EvaluateSkippingTarget(ctx)
	}
	return res.policy.Evaluate(ctx)
}

func (e *dynamicPolicyRefEvaluator) IsApplicableByTarget(ctx *EvaluationContext) (bool, error) {
	res, err := e.resolve(ctx)
	if err != nil {
		return false, err
	}
	return res.policy.IsApplicableByTarget(ctx)
}

func (e *dynamicPolicyRefEvaluator) PolicyVersion(ctx *EvaluationContext) (PolicyVersion, error) {
	res, err := e.resolve(ctx)
	if err != nil {
		return PolicyVersion{}, err
	}
	return res.policy.PrimaryMetadata().Version, nil
}

func (e *dynamicPolicyRefEvaluator) PolicyRefsMetadata(ctx *EvaluationContext) (*PolicyRefsMetadata, error) {
	res, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return res.refsMeta, nil
}

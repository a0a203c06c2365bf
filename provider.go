package pdp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// POLICY PROVIDERS
// ============================================================================

// DefaultMaxPolicySetRefDepth bounds PolicySetIdReference chains unless the
// provider is configured otherwise.
const DefaultMaxPolicySetRefDepth = 10

// PolicyProvider resolves Policy(Set)IdReferences to evaluators and
// enforces the reference-chain rules.
type PolicyProvider interface {
	// Get returns the best policy matching (refType, id, constraints):
	// the latest version satisfying all constraints. policySetRefChain is
	// the chain of PolicySet ids from the root down to the reference
	// target, used for loop and depth control; nil for Policy references.
	// Resolution failure is an *IndeterminateError.
	Get(refType PolicyElementType, id string, constraints *PolicyVersionPatterns, policySetRefChain []string, ctx *EvaluationContext) (TopLevelPolicyElementEvaluator, error)

	// JoinPolicyRefChains joins head and tail into one chain, failing when
	// the join would repeat a policy id (loop) or exceed the configured
	// maximum depth.
	JoinPolicyRefChains(head, tail []string) ([]string, error)
}

// StaticResolver is the extra contract of providers whose resolution is
// pure: same inputs always yield the same policy across the process
// lifetime, enabling compile-time reference expansion.
type StaticResolver interface {
	GetStatic(refType PolicyElementType, id string, constraints *PolicyVersionPatterns, policySetRefChain []string) (TopLevelPolicyElementEvaluator, error)
}

// JoinRefChains is the chain-join rule shared by all providers: the joined
// chain must hold no duplicate id, and its reference count (length minus
// the root) must not exceed maxDepth. maxDepth <= 0 means unlimited.
func JoinRefChains(head, tail []string, maxDepth int) ([]string, error) {
	joined := make([]string, 0, len(head)+len(tail))
	joined = append(joined, head...)
	joined = append(joined, tail...)
	seen := make(map[string]struct{}, len(joined))
	for _, id := range joined {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("circular PolicySetIdReference chain [%s]: policy %q is referenced twice",
				strings.Join(joined, " -> "), id)
		}
		seen[id] = struct{}{}
	}
	if maxDepth > 0 && len(joined)-1 > maxDepth {
		return nil, fmt.Errorf("PolicySetIdReference chain [%s] has depth %d, exceeding the maximum %d",
			strings.Join(joined, " -> "), len(joined)-1, maxDepth)
	}
	return joined, nil
}

func effectiveMaxRefDepth(maxRefDepth int) int {
	if maxRefDepth == 0 {
		return DefaultMaxPolicySetRefDepth
	}
	if maxRefDepth < 0 {
		return 0 // unlimited
	}
	return maxRefDepth
}

// ----------------------------------------------------------------------------
// static provider
// ----------------------------------------------------------------------------

// StaticPolicyProvider holds a fixed corpus of policy documents, compiles
// Policies eagerly and PolicySets on first resolution, and resolves all
// references at compile time. Cycles and excessive depth are compile-time
// failures.
type StaticPolicyProvider struct {
	maxRefDepth int
	compiler    *PolicyCompiler

	policySetDefs map[string][]*PolicySetDef

	policies   map[string][]TopLevelPolicyElementEvaluator
	policySets map[string]TopLevelPolicyElementEvaluator
	compiling  map[string]bool
}

var _ PolicyProvider = (*StaticPolicyProvider)(nil)
var _ StaticResolver = (*StaticPolicyProvider)(nil)

// NewStaticPolicyProvider compiles the given documents. maxRefDepth zero
// selects DefaultMaxPolicySetRefDepth; negative means unlimited. All
// PolicySets are compiled before returning, so any reference cycle, depth
// violation or unresolved reference fails here.
func NewStaticPolicyProvider(compiler *PolicyCompiler, policies []*PolicyDef, policySets []*PolicySetDef, maxRefDepth int) (*StaticPolicyProvider, error) {
	if compiler == nil {
		compiler = NewPolicyCompiler(nil, nil)
	}
	p := &StaticPolicyProvider{
		maxRefDepth:   effectiveMaxRefDepth(maxRefDepth),
		compiler:      compiler,
		policySetDefs: make(map[string][]*PolicySetDef),
		policies:      make(map[string][]TopLevelPolicyElementEvaluator),
		policySets:    make(map[string]TopLevelPolicyElementEvaluator),
		compiling:     make(map[string]bool),
	}
	for _, def := range policies {
		e, err := compiler.CompilePolicy(def, nil)
		if err != nil {
			return nil, err
		}
		for _, existing := range p.policies[def.ID] {
			if existing.PrimaryMetadata().Equal(e.PrimaryMetadata()) {
				return nil, fmt.Errorf("duplicate %s", e.PrimaryMetadata())
			}
		}
		p.policies[def.ID] = append(p.policies[def.ID], e)
	}
	for id := range p.policies {
		sortByVersionDesc(p.policies[id])
	}
	for _, def := range policySets {
		if _, err := ParsePolicyVersion(def.Version); err != nil {
			return nil, fmt.Errorf("policy set %q: %w", def.ID, err)
		}
		for _, existing := range p.policySetDefs[def.ID] {
			if existing.Version == def.Version {
				return nil, fmt.Errorf("duplicate PolicySet[%s#v%s]", def.ID, def.Version)
			}
		}
		p.policySetDefs[def.ID] = append(p.policySetDefs[def.ID], def)
	}
	for id := range p.policySetDefs {
		defs := p.policySetDefs[id]
		sort.SliceStable(defs, func(i, j int) bool {
			vi := MustParsePolicyVersion(defs[i].Version)
			vj := MustParsePolicyVersion(defs[j].Version)
			return vi.Compare(vj) > 0
		})
	}
	// compile everything now: static resolution means all failures are
	// load-time failures
	for id, defs := range p.policySetDefs {
		for _, def := range defs {
			constraints, _ := NewPolicyVersionPatterns(def.Version, "", "")
			if _, err := p.GetStatic(PolicySetType, id, constraints, nil); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func sortByVersionDesc(list []TopLevelPolicyElementEvaluator) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].PrimaryMetadata().Version.Compare(list[j].PrimaryMetadata().Version) > 0
	})
}

// GetStatic resolves a reference at compile time.
func (p *StaticPolicyProvider) GetStatic(refType PolicyElementType, id string, constraints *PolicyVersionPatterns, policySetRefChain []string) (TopLevelPolicyElementEvaluator, error) {
	if refType == PolicyType {
		for _, e := range p.policies[id] {
			if constraints.Matches(e.PrimaryMetadata().Version) {
				return e, nil
			}
		}
		return nil, fmt.Errorf("no Policy matching reference: id=%s, %s", id, constraints)
	}

	var def *PolicySetDef
	for _, candidate := range p.policySetDefs[id] {
		v, err := ParsePolicyVersion(candidate.Version)
		if err != nil {
			return nil, fmt.Errorf("policy set %q: %w", id, err)
		}
		if constraints.Matches(v) {
			def = candidate
			break
		}
	}
	if def == nil {
		return nil, fmt.Errorf("no PolicySet matching reference: id=%s, %s", id, constraints)
	}

	key := def.ID + "#" + def.Version
	if e, ok := p.policySets[key]; ok {
		// already compiled through another path: the chain leading here
		// still needs validation
		if len(policySetRefChain) > 0 {
			if sp, ok := e.(staticRefsMetadataProvider); ok {
				if meta, known := sp.staticPolicyRefsMetadata(); known && meta != nil {
					if _, err := p.JoinPolicyRefChains(policySetRefChain, meta.LongestPolicyRefChain); err != nil {
						return nil, err
					}
				}
			}
		}
		return e, nil
	}
	if p.compiling[key] {
		return nil, fmt.Errorf("circular PolicySetIdReference involving PolicySet %q", def.ID)
	}
	p.compiling[key] = true
	defer delete(p.compiling, key)

	chain := append([]string(nil), policySetRefChain...)
	e, err := p.compiler.CompilePolicySet(def, p, chain, nil)
	if err != nil {
		return nil, err
	}
	p.policySets[key] = e
	return e, nil
}

// Get implements PolicyProvider on top of the static resolution.
func (p *StaticPolicyProvider) Get(refType PolicyElementType, id string, constraints *PolicyVersionPatterns, policySetRefChain []string, _ *EvaluationContext) (TopLevelPolicyElementEvaluator, error) {
	e, err := p.GetStatic(refType, id, constraints, policySetRefChain)
	if err != nil {
		return nil, asIndeterminate(Indeterminate, err)
	}
	return e, nil
}

func (p *StaticPolicyProvider) JoinPolicyRefChains(head, tail []string) ([]string, error) {
	return JoinRefChains(head, tail, p.maxRefDepth)
}

// ----------------------------------------------------------------------------
// mutable (dynamic) provider
// ----------------------------------------------------------------------------

// MutablePolicyProvider is an in-memory dynamic provider: policies can be
// added and removed at runtime, and references compiled against it resolve
// per request. Safe for concurrent use.
type MutablePolicyProvider struct {
	mu          sync.RWMutex
	maxRefDepth int
	compiler    *PolicyCompiler

	policies   map[string][]TopLevelPolicyElementEvaluator
	policySets map[string][]TopLevelPolicyElementEvaluator
}

var _ PolicyProvider = (*MutablePolicyProvider)(nil)

// NewMutablePolicyProvider builds an empty dynamic provider. maxRefDepth
// zero selects DefaultMaxPolicySetRefDepth; negative means unlimited.
func NewMutablePolicyProvider(compiler *PolicyCompiler, maxRefDepth int) *MutablePolicyProvider {
	if compiler == nil {
		compiler = NewPolicyCompiler(nil, nil)
	}
	return &MutablePolicyProvider{
		maxRefDepth: effectiveMaxRefDepth(maxRefDepth),
		compiler:    compiler,
		policies:    make(map[string][]TopLevelPolicyElementEvaluator),
		policySets:  make(map[string][]TopLevelPolicyElementEvaluator),
	}
}

// AddPolicy compiles and registers a Policy document. A policy with the
// same (id, version) is replaced.
func (p *MutablePolicyProvider) AddPolicy(def *PolicyDef) error {
	e, err := p.compiler.CompilePolicy(def, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[e.PolicyID()] = insertByVersion(p.policies[e.PolicyID()], e)
	return nil
}

// AddPolicySet compiles and registers a PolicySet document. References
// inside it resolve dynamically against this provider at evaluation time.
func (p *MutablePolicyProvider) AddPolicySet(def *PolicySetDef) error {
	e, err := p.compiler.CompilePolicySet(def, p, nil, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policySets[e.PolicyID()] = insertByVersion(p.policySets[e.PolicyID()], e)
	return nil
}

// RemovePolicy drops a registered policy element by exact (type, id,
// version) and reports whether it was present.
func (p *MutablePolicyProvider) RemovePolicy(refType PolicyElementType, id string, version PolicyVersion) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.policies
	if refType == PolicySetType {
		table = p.policySets
	}
	list := table[id]
	for i, e := range list {
		if e.PrimaryMetadata().Version.Equal(version) {
			table[id] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func insertByVersion(list []TopLevelPolicyElementEvaluator, e TopLevelPolicyElementEvaluator) []TopLevelPolicyElementEvaluator {
	for i, existing := range list {
		if existing.PrimaryMetadata().Version.Equal(e.PrimaryMetadata().Version) {
			list[i] = e
			return list
		}
	}
	list = append(list, e)
	sortByVersionDesc(list)
	return list
}

// Get resolves the latest registered version satisfying the constraints.
// For PolicySet targets the reference chain is validated against the
// resolved policy's own reference metadata, so loops and excessive depth
// surface as Indeterminate at evaluation time.
func (p *MutablePolicyProvider) Get(refType PolicyElementType, id string, constraints *PolicyVersionPatterns, policySetRefChain []string, ctx *EvaluationContext) (TopLevelPolicyElementEvaluator, error) {
	p.mu.RLock()
	table := p.policies
	if refType == PolicySetType {
		table = p.policySets
	}
	var found TopLevelPolicyElementEvaluator
	for _, e := range table[id] {
		if constraints.Matches(e.PrimaryMetadata().Version) {
			found = e
			break
		}
	}
	p.mu.RUnlock()
	if found == nil {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError,
			"no %s matching reference: id=%s, %s", refType, id, constraints)
	}
	if refType == PolicySetType && ctx != nil {
		meta, err := found.PolicyRefsMetadata(ctx)
		if err != nil {
			return nil, asIndeterminate(Indeterminate, err)
		}
		if meta != nil {
			if _, err := p.JoinPolicyRefChains(policySetRefChain, meta.LongestPolicyRefChain); err != nil {
				return nil, newIndeterminate(Indeterminate, StatusProcessingError, "%v", err)
			}
		}
	}
	return found, nil
}

func (p *MutablePolicyProvider) JoinPolicyRefChains(head, tail []string) ([]string, error) {
	return JoinRefChains(head, tail, p.maxRefDepth)
}

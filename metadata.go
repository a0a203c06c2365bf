package pdp

// PolicyElementType distinguishes Policy from PolicySet.
type PolicyElementType uint8

const (
	PolicyType PolicyElementType = iota
	PolicySetType
)

func (t PolicyElementType) String() string {
	if t == PolicySetType {
		return "PolicySet"
	}
	return "Policy"
}

// PrimaryPolicyMetadata identifies a policy element: kind, id and version.
// Its String form is stable and used as a cache discriminator.
type PrimaryPolicyMetadata struct {
	Type    PolicyElementType `json:"type" yaml:"type"`
	ID      string            `json:"id" yaml:"id"`
	Version PolicyVersion     `json:"version" yaml:"version"`
}

func (m PrimaryPolicyMetadata) String() string {
	return m.Type.String() + "[" + m.ID + "#v" + m.Version.String() + "]"
}

func (m PrimaryPolicyMetadata) Equal(o PrimaryPolicyMetadata) bool {
	return m.Type == o.Type && m.ID == o.ID && m.Version.Equal(o.Version)
}

// PolicyRefsMetadata describes the transitive closure of policy references
// reachable from a policy element: the referenced policies in insertion
// order (no duplicates) and the longest chain of policy ids reachable
// through Policy(Set)IdReferences, used for depth enforcement.
type PolicyRefsMetadata struct {
	RefPolicies           []PrimaryPolicyMetadata
	LongestPolicyRefChain []string
}

// mergeRefPolicies appends metadata entries not already present, keeping
// insertion order.
func mergeRefPolicies(dst []PrimaryPolicyMetadata, src []PrimaryPolicyMetadata) []PrimaryPolicyMetadata {
outer:
	for _, m := range src {
		for _, existing := range dst {
			if existing.Equal(m) {
				continue outer
			}
		}
		dst = append(dst, m)
	}
	return dst
}

// refsMetadataThroughRef computes the refs-metadata seen through a reference
// to referred: the referred policy itself plus everything it references,
// with the longest chain extended by the referred policy's id.
func refsMetadataThroughRef(referredMeta PrimaryPolicyMetadata, referredRefs *PolicyRefsMetadata) *PolicyRefsMetadata {
	out := &PolicyRefsMetadata{}
	if referredRefs != nil {
		out.RefPolicies = mergeRefPolicies(out.RefPolicies, referredRefs.RefPolicies)
		out.LongestPolicyRefChain = append([]string{referredMeta.ID}, referredRefs.LongestPolicyRefChain...)
	} else {
		out.LongestPolicyRefChain = []string{referredMeta.ID}
	}
	out.RefPolicies = mergeRefPolicies(out.RefPolicies, []PrimaryPolicyMetadata{referredMeta})
	return out
}

// mergeChildRefsMetadata folds a child's refs-metadata into an accumulating
// parent view: union of referenced policies, max-length chain.
func mergeChildRefsMetadata(acc *PolicyRefsMetadata, child *PolicyRefsMetadata) {
	if child == nil {
		return
	}
	acc.RefPolicies = mergeRefPolicies(acc.RefPolicies, child.RefPolicies)
	if len(child.LongestPolicyRefChain) > len(acc.LongestPolicyRefChain) {
		acc.LongestPolicyRefChain = append([]string(nil), child.LongestPolicyRefChain...)
	}
}

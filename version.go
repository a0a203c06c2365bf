package pdp

import (
	"fmt"
	"strconv"
	"strings"
)

// PolicyVersion is a XACML policy version: dot-separated non-negative
// integers, totally ordered.
type PolicyVersion struct {
	raw  string
	nums []int
}

// ParsePolicyVersion parses a dotted numeric version such as "1.2.3".
func ParsePolicyVersion(s string) (PolicyVersion, error) {
	if s == "" {
		return PolicyVersion{}, fmt.Errorf("empty policy version")
	}
	parts := strings.Split(s, ".")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return PolicyVersion{}, fmt.Errorf("invalid policy version %q: part %q is not a non-negative integer", s, p)
		}
		nums[i] = n
	}
	return PolicyVersion{raw: s, nums: nums}, nil
}

// MustParsePolicyVersion is ParsePolicyVersion for statically known inputs.
func MustParsePolicyVersion(s string) PolicyVersion {
	v, err := ParsePolicyVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v PolicyVersion) String() string { return v.raw }

func (v PolicyVersion) IsZero() bool { return v.raw == "" }

// Compare returns -1, 0 or 1. A missing trailing part counts as 0, so
// "1.0" == "1.0.0".
func (v PolicyVersion) Compare(o PolicyVersion) int {
	n := len(v.nums)
	if len(o.nums) > n {
		n = len(o.nums)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v.nums) {
			a = v.nums[i]
		}
		if i < len(o.nums) {
			b = o.nums[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (v PolicyVersion) Equal(o PolicyVersion) bool { return v.Compare(o) == 0 }

// versionPatternPart is one dot-separated element of a version pattern:
// a literal number, '*' (any single number) or '+' (any sequence of
// numbers, possibly empty).
type versionPatternPart struct {
	num      int
	wildcard byte // 0, '*' or '+'
}

// VersionPattern is a XACML VersionMatchType pattern, e.g. "1.*", "1.+",
// "1.2.3".
type VersionPattern struct {
	raw   string
	parts []versionPatternPart
}

// ParseVersionPattern parses a version-match pattern.
func ParseVersionPattern(s string) (*VersionPattern, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version pattern")
	}
	elems := strings.Split(s, ".")
	parts := make([]versionPatternPart, len(elems))
	for i, e := range elems {
		switch e {
		case "*":
			parts[i] = versionPatternPart{wildcard: '*'}
		case "+":
			if i != len(elems)-1 {
				return nil, fmt.Errorf("invalid version pattern %q: '+' is only allowed as the last part", s)
			}
			parts[i] = versionPatternPart{wildcard: '+'}
		default:
			n, err := strconv.Atoi(e)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid version pattern %q: part %q", s, e)
			}
			parts[i] = versionPatternPart{num: n}
		}
	}
	return &VersionPattern{raw: s, parts: parts}, nil
}

func (p *VersionPattern) String() string { return p.raw }

// Matches reports whether the version matches the pattern.
func (p *VersionPattern) Matches(v PolicyVersion) bool {
	for i, part := range p.parts {
		if part.wildcard == '+' {
			return true
		}
		if i >= len(v.nums) {
			return false
		}
		if part.wildcard == '*' {
			continue
		}
		if v.nums[i] != part.num {
			return false
		}
	}
	return len(v.nums) == len(p.parts)
}

// lowerBound is the smallest version matching the pattern, used for
// EarliestVersion/LatestVersion bound checks.
func (p *VersionPattern) lowerBound() PolicyVersion {
	nums := make([]int, 0, len(p.parts))
	for _, part := range p.parts {
		if part.wildcard == '+' {
			break
		}
		if part.wildcard == '*' {
			nums = append(nums, 0)
			continue
		}
		nums = append(nums, part.num)
	}
	return PolicyVersion{raw: p.raw, nums: nums}
}

// MatchesOrIsLater reports whether v matches the pattern or is not earlier
// than the smallest version the pattern can match (EarliestVersion
// semantics).
func (p *VersionPattern) MatchesOrIsLater(v PolicyVersion) bool {
	return p.Matches(v) || v.Compare(p.lowerBound()) >= 0
}

// MatchesOrIsEarlier reports whether v matches the pattern or is earlier
// than every version the pattern can match (LatestVersion semantics).
func (p *VersionPattern) MatchesOrIsEarlier(v PolicyVersion) bool {
	if p.Matches(v) {
		return true
	}
	// compare against the prefix before any wildcard; anything beyond an
	// open-ended pattern is acceptable only below its literal prefix
	return v.Compare(p.lowerBound()) <= 0
}

// PolicyVersionPatterns is the set of version constraints carried by a
// Policy(Set)IdReference: Version (exact pattern), EarliestVersion and
// LatestVersion (bounds).
type PolicyVersionPatterns struct {
	Version         *VersionPattern
	EarliestVersion *VersionPattern
	LatestVersion   *VersionPattern
}

// NewPolicyVersionPatterns parses the three optional constraint patterns.
// Empty strings mean "unconstrained".
func NewPolicyVersionPatterns(version, earliest, latest string) (*PolicyVersionPatterns, error) {
	out := &PolicyVersionPatterns{}
	var err error
	if version != "" {
		if out.Version, err = ParseVersionPattern(version); err != nil {
			return nil, err
		}
	}
	if earliest != "" {
		if out.EarliestVersion, err = ParseVersionPattern(earliest); err != nil {
			return nil, err
		}
	}
	if latest != "" {
		if out.LatestVersion, err = ParseVersionPattern(latest); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsEmpty reports whether no constraint is set.
func (c *PolicyVersionPatterns) IsEmpty() bool {
	return c == nil || (c.Version == nil && c.EarliestVersion == nil && c.LatestVersion == nil)
}

// Matches reports whether the version satisfies all constraints.
func (c *PolicyVersionPatterns) Matches(v PolicyVersion) bool {
	if c == nil {
		return true
	}
	if c.Version != nil && !c.Version.Matches(v) {
		return false
	}
	if c.EarliestVersion != nil && !c.EarliestVersion.MatchesOrIsLater(v) {
		return false
	}
	if c.LatestVersion != nil && !c.LatestVersion.MatchesOrIsEarlier(v) {
		return false
	}
	return true
}

func (c *PolicyVersionPatterns) String() string {
	if c.IsEmpty() {
		return "Version=*"
	}
	var b strings.Builder
	if c.Version != nil {
		fmt.Fprintf(&b, "Version=%s", c.Version)
	}
	if c.EarliestVersion != nil {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "EarliestVersion=%s", c.EarliestVersion)
	}
	if c.LatestVersion != nil {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "LatestVersion=%s", c.LatestVersion)
	}
	return b.String()
}

package pdp

import (
	"testing"
)

func TestPolicyVersionCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.0.0", 0},
		{"1.0", "1.1", -1},
		{"2.0", "1.9.9", 1},
		{"1.10", "1.9", 1},
	}
	for _, tc := range cases {
		a := MustParsePolicyVersion(tc.a)
		b := MustParsePolicyVersion(tc.b)
		if got := a.Compare(b); got != tc.want {
			t.Fatalf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestPolicyVersionParseErrors(t *testing.T) {
	for _, bad := range []string{"", "1.a", "-1.0", "1..2"} {
		if _, err := ParsePolicyVersion(bad); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}

func TestVersionPatternMatches(t *testing.T) {
	cases := []struct {
		pattern, version string
		want             bool
	}{
		{"1.0", "1.0", true},
		{"1.0", "1.0.0", false},
		{"1.*", "1.5", true},
		{"1.*", "2.0", false},
		{"1.*", "1", false},
		{"1.+", "1.2.3", true},
		{"1.+", "1", true},
		{"+", "42.1", true},
	}
	for _, tc := range cases {
		p, err := ParseVersionPattern(tc.pattern)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.pattern, err)
		}
		v := MustParsePolicyVersion(tc.version)
		if got := p.Matches(v); got != tc.want {
			t.Fatalf("pattern %q matches %q = %v, want %v", tc.pattern, tc.version, got, tc.want)
		}
	}
}

func TestVersionPatternPlusOnlyLast(t *testing.T) {
	if _, err := ParseVersionPattern("1.+.2"); err == nil {
		t.Fatalf("expected parse error for '+' in a non-final position")
	}
}

func TestPolicyVersionPatternsBounds(t *testing.T) {
	c, err := NewPolicyVersionPatterns("", "1.2", "2.0")
	if err != nil {
		t.Fatalf("constraints: %v", err)
	}
	for version, want := range map[string]bool{
		"1.1": false,
		"1.2": true,
		"1.5": true,
		"2.0": true,
		"2.1": false,
	} {
		v := MustParsePolicyVersion(version)
		if got := c.Matches(v); got != want {
			t.Fatalf("constraints %s match %s = %v, want %v", c, version, got, want)
		}
	}
}

func TestEmptyConstraintsMatchEverything(t *testing.T) {
	var c *PolicyVersionPatterns
	if !c.Matches(MustParsePolicyVersion("9.9.9")) {
		t.Fatalf("nil constraints must match any version")
	}
}

func TestPrimaryPolicyMetadataString(t *testing.T) {
	m := PrimaryPolicyMetadata{Type: PolicySetType, ID: "root", Version: MustParsePolicyVersion("1.0")}
	if got := m.String(); got != "PolicySet[root#v1.0]" {
		t.Fatalf("unexpected metadata display form: %s", got)
	}
}

package pdp

import (
	"fmt"
	"strings"
)

// XPath version identifiers accepted in Policy(Set)Defaults.
const (
	XPathVersion1 = "http://www.w3.org/TR/1999/REC-xpath-19991116"
	XPathVersion2 = "http://www.w3.org/TR/xpath20/"
)

// XPathCompiler compiles content-selection paths for AttributeSelectors.
// A compiler is immutable once configured: when the set of XPath-visible
// XACML variables changes (a new VariableDefinition was parsed), a new
// compiler must be derived with WithVariables rather than mutating this one.
type XPathCompiler struct {
	version          string
	namespaces       map[string]string
	allowedVariables []string
}

// NewXPathCompiler builds a compiler for the given XPath version and
// namespace prefix table, with no XPath-visible variables.
func NewXPathCompiler(version string, namespaces map[string]string) *XPathCompiler {
	if version == "" {
		version = XPathVersion1
	}
	ns := make(map[string]string, len(namespaces))
	for k, v := range namespaces {
		ns[k] = v
	}
	return &XPathCompiler{version: version, namespaces: ns}
}

// WithVariables derives a new compiler whose declared XPath-variable set is
// the given variable ids. The receiver is left untouched.
func (c *XPathCompiler) WithVariables(varIDs []string) *XPathCompiler {
	out := &XPathCompiler{
		version:          c.version,
		namespaces:       c.namespaces,
		allowedVariables: append([]string(nil), varIDs...),
	}
	return out
}

func (c *XPathCompiler) Version() string { return c.version }

// AllowedVariables returns the XPath-visible variable ids.
func (c *XPathCompiler) AllowedVariables() []string { return c.allowedVariables }

func (c *XPathCompiler) allowsVariable(name string) bool {
	for _, v := range c.allowedVariables {
		if v == name {
			return true
		}
	}
	return false
}

type xpathSegment struct {
	name     string
	variable bool
}

// XPathExpression is a compiled content path. Segments are separated by
// '/'; a segment starting with '$' is an XPath variable bound to a XACML
// VariableDefinition in the enclosing policy.
type XPathExpression struct {
	source   string
	segments []xpathSegment
}

// Compile parses and validates a path. Any '$'-variable must be declared in
// this compiler's allowed-variable set; an expression with variables
// compiled against a variable-less compiler is rejected.
func (c *XPathCompiler) Compile(source string) (*XPathExpression, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(source), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("empty XPath expression")
	}
	parts := strings.Split(trimmed, "/")
	segments := make([]xpathSegment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid XPath expression %q: empty step", source)
		}
		if strings.HasPrefix(p, "$") {
			name := p[1:]
			if len(c.allowedVariables) == 0 {
				return nil, fmt.Errorf("XPath expression %q contains variable $%s but there is no VariableDefinition in this context", source, name)
			}
			if !c.allowsVariable(name) {
				return nil, fmt.Errorf("XPath expression %q contains variable $%s with no matching VariableDefinition in this context", source, name)
			}
			segments = append(segments, xpathSegment{name: name, variable: true})
			continue
		}
		// strip a namespace prefix when declared
		if i := strings.IndexByte(p, ':'); i > 0 {
			prefix := p[:i]
			if _, ok := c.namespaces[prefix]; !ok {
				return nil, fmt.Errorf("invalid XPath expression %q: undeclared namespace prefix %q", source, prefix)
			}
			p = p[i+1:]
		}
		segments = append(segments, xpathSegment{name: p})
	}
	return &XPathExpression{source: source, segments: segments}, nil
}

func (x *XPathExpression) String() string { return x.source }

// Evaluate walks the structured content of the given category and returns
// the selected leaf values as a bag of the given data type.
func (x *XPathExpression) Evaluate(ctx *EvaluationContext, category, dataType string) (*Bag, error) {
	content, ok := ctx.Content(category)
	if !ok {
		return EmptyBag(dataType), nil
	}
	nodes := []any{content}
	for _, seg := range x.segments {
		name := seg.name
		if seg.variable {
			v, ok := ctx.Variable(seg.name)
			if !ok {
				return nil, newIndeterminate(Indeterminate, StatusProcessingError, "XPath variable $%s is not assigned in this context", seg.name)
			}
			av, ok := v.(AttributeValue)
			if !ok {
				return nil, newIndeterminate(Indeterminate, StatusProcessingError, "XPath variable $%s is not a single value", seg.name)
			}
			name = fmt.Sprintf("%v", av.Value)
		}
		var next []any
		for _, n := range nodes {
			switch t := n.(type) {
			case map[string]any:
				if child, ok := t[name]; ok {
					next = append(next, child)
				}
			case []any:
				for _, e := range t {
					if m, ok := e.(map[string]any); ok {
						if child, ok := m[name]; ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		nodes = next
		if len(nodes) == 0 {
			break
		}
	}
	values := make([]AttributeValue, 0, len(nodes))
	for _, n := range nodes {
		switch t := n.(type) {
		case []any:
			for _, e := range t {
				av, err := ParseAttributeValue(dataType, fmt.Sprintf("%v", e))
				if err != nil {
					return nil, newIndeterminate(Indeterminate, StatusSyntaxError, "XPath %s: %v", x.source, err)
				}
				values = append(values, av)
			}
		default:
			av, err := ParseAttributeValue(dataType, fmt.Sprintf("%v", t))
			if err != nil {
				return nil, newIndeterminate(Indeterminate, StatusSyntaxError, "XPath %s: %v", x.source, err)
			}
			values = append(values, av)
		}
	}
	return NewBag(dataType, values...), nil
}

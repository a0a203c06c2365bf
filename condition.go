package pdp

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseCondition parses the compact textual condition syntax used in
// configuration files into an expression definition. The syntax covers the
// commonly used patterns while staying simple and deterministic:
//
//	string-equal(subject.role, "admin") and string-equal(action.id, "read")
//	not(string-equal(resource.owner, subject.id))
//	string-is-in("read", bagof(action.action-id))
//	string-equal($owner, subject.id)
//
// Shorthand attribute references (subject.X, resource.X, action.X, env.X)
// compile to a one-and-only-wrapped designator of the string data type, so
// they only feed string functions; bagof(...) yields the raw
// bag; $name is a VariableReference. Function names without a URN prefix
// resolve to the standard XACML 1.0/3.0 function identifiers.
func ParseCondition(s string) (*ExpressionDef, error) {
	p := &conditionParser{input: s}
	p.next()
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unsupported condition syntax at %q in %q", p.tok.text, s)
	}
	return expr, nil
}

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokVariable
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

type conditionParser struct {
	input string
	pos   int
	tok   token
}

func (p *conditionParser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == ',':
		p.pos++
		p.tok = token{kind: tokComma, text: ","}
	case c == '"':
		end := p.pos + 1
		for end < len(p.input) && p.input[end] != '"' {
			end++
		}
		if end >= len(p.input) {
			p.tok = token{kind: tokEOF, text: "unterminated string"}
			return
		}
		p.tok = token{kind: tokString, text: p.input[p.pos+1 : end]}
		p.pos = end + 1
	case c == '$':
		end := p.pos + 1
		for end < len(p.input) && isIdentChar(p.input[end]) {
			end++
		}
		p.tok = token{kind: tokVariable, text: p.input[p.pos+1 : end]}
		p.pos = end
	case c >= '0' && c <= '9' || c == '-':
		end := p.pos + 1
		for end < len(p.input) && (p.input[end] >= '0' && p.input[end] <= '9' || p.input[end] == '.') {
			end++
		}
		p.tok = token{kind: tokNumber, text: p.input[p.pos:end]}
		p.pos = end
	default:
		end := p.pos
		for end < len(p.input) && isIdentChar(p.input[end]) {
			end++
		}
		if end == p.pos {
			p.tok = token{kind: tokEOF, text: string(c)}
			p.pos++
			return
		}
		p.tok = token{kind: tokIdent, text: p.input[p.pos:end]}
		p.pos = end
	}
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == '.' || c == ':' || c == '#' || c == '/'
}

func (p *conditionParser) parseOr() (*ExpressionDef, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	args := []*ExpressionDef{left}
	for p.tok.kind == tokIdent && p.tok.text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return &ExpressionDef{Apply: &ApplyDef{FunctionID: FuncOr, Args: args}}, nil
}

func (p *conditionParser) parseAnd() (*ExpressionDef, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	args := []*ExpressionDef{left}
	for p.tok.kind == tokIdent && p.tok.text == "and" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return &ExpressionDef{Apply: &ApplyDef{FunctionID: FuncAnd, Args: args}}, nil
}

func (p *conditionParser) parseUnary() (*ExpressionDef, error) {
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		p.next()
		arg, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ExpressionDef{Apply: &ApplyDef{FunctionID: FuncNot, Args: []*ExpressionDef{arg}}}, nil
	}
	return p.parsePrimary()
}

func (p *conditionParser) parsePrimary() (*ExpressionDef, error) {
	switch p.tok.kind {
	case tokLParen:
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at %q", p.tok.text)
		}
		p.next()
		return expr, nil

	case tokString:
		v := p.tok.text
		p.next()
		return &ExpressionDef{Value: &AttributeValueDef{DataType: DataTypeString, Value: v}}, nil

	case tokNumber:
		v := p.tok.text
		p.next()
		dataType := DataTypeInteger
		if strings.ContainsRune(v, '.') {
			dataType = DataTypeDouble
		}
		return &ExpressionDef{Value: &AttributeValueDef{DataType: dataType, Value: v}}, nil

	case tokVariable:
		v := p.tok.text
		p.next()
		return &ExpressionDef{VariableRef: v}, nil

	case tokIdent:
		name := p.tok.text
		p.next()
		switch name {
		case "true", "false":
			return &ExpressionDef{Value: &AttributeValueDef{DataType: DataTypeBoolean, Value: name}}, nil
		}
		if p.tok.kind == tokLParen {
			return p.parseCall(name)
		}
		if def, ok := shorthandDesignator(name); ok {
			// single-value context: wrap the designator bag in one-and-only
			return &ExpressionDef{Apply: &ApplyDef{
				FunctionID: oneAndOnlyForType(def.DataType),
				Args:       []*ExpressionDef{{Designator: def}},
			}}, nil
		}
		return nil, fmt.Errorf("unsupported condition syntax: unknown identifier %q", name)
	}
	return nil, fmt.Errorf("unsupported condition syntax at %q", p.tok.text)
}

func (p *conditionParser) parseCall(name string) (*ExpressionDef, error) {
	p.next() // consume '('
	var args []*ExpressionDef
	for p.tok.kind != tokRParen {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.tok.kind == tokComma {
			p.next()
			continue
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ',' or ')' at %q", p.tok.text)
		}
	}
	p.next() // consume ')'

	if name == "bagof" {
		if len(args) != 1 {
			return nil, fmt.Errorf("bagof expects one attribute reference")
		}
		// unwrap the implicit one-and-only so the raw designator bag flows
		if a := args[0].Apply; a != nil && len(a.Args) == 1 && a.Args[0].Designator != nil {
			return a.Args[0], nil
		}
		return args[0], nil
	}
	return &ExpressionDef{Apply: &ApplyDef{FunctionID: resolveFunctionID(name), Args: args}}, nil
}

// resolveFunctionID maps a short function name to its standard URN; names
// already containing a URN scheme pass through.
func resolveFunctionID(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	if name == "any-of" {
		return FuncAnyOf
	}
	return "urn:oasis:names:tc:xacml:1.0:function:" + name
}

// shorthandDesignator maps subject.X / resource.X / action.X / env.X to an
// attribute designator definition.
func shorthandDesignator(name string) (*AttributeDesignatorDef, bool) {
	i := strings.IndexByte(name, '.')
	if i <= 0 {
		return nil, false
	}
	prefix, attr := name[:i], name[i+1:]
	var category string
	switch prefix {
	case "subject":
		category = CategorySubject
		if attr == "id" {
			attr = AttributeSubjectID
		}
	case "resource":
		category = CategoryResource
		if attr == "id" {
			attr = AttributeResourceID
		}
	case "action":
		category = CategoryAction
		if attr == "id" {
			attr = AttributeActionID
		}
	case "env", "environment":
		category = CategoryEnvironment
	default:
		return nil, false
	}
	return &AttributeDesignatorDef{Category: category, AttributeID: attr, DataType: DataTypeString}, true
}

func oneAndOnlyForType(dataType string) string {
	switch dataType {
	case DataTypeBoolean:
		return FuncBooleanOneAndOnly
	case DataTypeInteger:
		return FuncIntegerOneAndOnly
	case DataTypeDouble:
		return FuncDoubleOneAndOnly
	case DataTypeDateTime:
		return FuncDateTimeOneAndOnly
	default:
		return FuncStringOneAndOnly
	}
}

package pdp

import (
	"fmt"
	"regexp"
	"time"
)

// ============================================================================
// EXPRESSION LAYER
// ============================================================================

// Expression is an evaluable XACML expression: it produces a single
// AttributeValue or a *Bag in a given evaluation context. All failures
// surface as *IndeterminateError.
type Expression interface {
	Evaluate(ctx *EvaluationContext) (Value, error)
}

// LiteralExpression wraps a constant attribute value.
type LiteralExpression struct {
	Val AttributeValue
}

func (e LiteralExpression) Evaluate(*EvaluationContext) (Value, error) {
	return e.Val, nil
}

// constantValue extracts the compile-time value of a constant expression.
func constantValue(e Expression) (AttributeValue, bool) {
	lit, ok := e.(LiteralExpression)
	if !ok {
		return AttributeValue{}, false
	}
	return lit.Val, true
}

// AttributeDesignatorExpression resolves a bag of request attribute values
// by (category, attribute id, issuer).
type AttributeDesignatorExpression struct {
	Category      string
	AttributeID   string
	Issuer        string
	DataType      string
	MustBePresent bool
}

func (e *AttributeDesignatorExpression) Evaluate(ctx *EvaluationContext) (Value, error) {
	bag, ok := ctx.NamedAttributes(e.Category, e.AttributeID, e.Issuer)
	if !ok || bag.IsEmpty() {
		if e.MustBePresent {
			return nil, newIndeterminate(Indeterminate, StatusMissingAttribute,
				"missing attribute %s in category %s", e.AttributeID, e.Category)
		}
		return EmptyBag(e.DataType), nil
	}
	// values of a foreign data type are invisible to this designator
	if bag.ElementType() != e.DataType {
		filtered := make([]AttributeValue, 0, bag.Len())
		for _, v := range bag.Values() {
			if v.DataType == e.DataType {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == 0 && e.MustBePresent {
			return nil, newIndeterminate(Indeterminate, StatusMissingAttribute,
				"missing attribute %s of type %s in category %s", e.AttributeID, e.DataType, e.Category)
		}
		return NewBag(e.DataType, filtered...), nil
	}
	return bag, nil
}

// AttributeSelectorExpression resolves a bag from a category's structured
// content through a compiled XPath expression.
type AttributeSelectorExpression struct {
	Category      string
	DataType      string
	MustBePresent bool
	xpath         *XPathExpression
}

func (e *AttributeSelectorExpression) Evaluate(ctx *EvaluationContext) (Value, error) {
	bag, err := e.xpath.Evaluate(ctx, e.Category, e.DataType)
	if err != nil {
		return nil, asIndeterminate(Indeterminate, err)
	}
	if bag.IsEmpty() && e.MustBePresent {
		return nil, newIndeterminate(Indeterminate, StatusMissingAttribute,
			"selector %s yields no value in category %s", e.xpath, e.Category)
	}
	return bag, nil
}

// VariableExpression is a reference to a policy-scoped VariableDefinition.
// Its value is computed at most once per request: the first evaluation
// publishes the result to the context.
type VariableExpression struct {
	id       string
	expr     Expression
	refChain []string
}

func (e *VariableExpression) VariableID() string { return e.id }

// RefChain is the longest chain of variable ids referenced transitively by
// the defining expression, this variable excluded.
func (e *VariableExpression) RefChain() []string { return e.refChain }

func (e *VariableExpression) Evaluate(ctx *EvaluationContext) (Value, error) {
	if v, ok := ctx.Variable(e.id); ok {
		return v, nil
	}
	v, err := e.expr.Evaluate(ctx)
	if err != nil {
		return nil, wrapIndeterminate(Indeterminate, err, "error evaluating VariableReference %q", e.id)
	}
	ctx.PutVariableIfAbsent(e.id, v)
	return v, nil
}

// FunctionValue is a function used as an expression value (higher-order
// function argument).
type FunctionValue struct {
	Fn Function
}

func (FunctionValue) isValue() {}

// FunctionExpression wraps a function reference.
type FunctionExpression struct {
	Fn Function
}

func (e FunctionExpression) Evaluate(*EvaluationContext) (Value, error) {
	return FunctionValue{Fn: e.Fn}, nil
}

// ApplyExpression applies a function to argument expressions.
type ApplyExpression struct {
	fn   Function
	args []Expression
}

func (e *ApplyExpression) Evaluate(ctx *EvaluationContext) (Value, error) {
	return e.fn.Call(ctx, e.args)
}

// ============================================================================
// FUNCTIONS
// ============================================================================

// Function is an entry of the function registry. Call receives unevaluated
// argument expressions so logical functions can short-circuit and
// higher-order functions can re-evaluate.
type Function interface {
	ID() string
	Call(ctx *EvaluationContext, args []Expression) (Value, error)
}

// Standard XACML function identifiers used by the core.
const (
	FuncStringEqual        = "urn:oasis:names:tc:xacml:1.0:function:string-equal"
	FuncBooleanEqual       = "urn:oasis:names:tc:xacml:1.0:function:boolean-equal"
	FuncIntegerEqual       = "urn:oasis:names:tc:xacml:1.0:function:integer-equal"
	FuncDoubleEqual        = "urn:oasis:names:tc:xacml:1.0:function:double-equal"
	FuncAnyURIEqual        = "urn:oasis:names:tc:xacml:1.0:function:anyURI-equal"
	FuncDateTimeEqual      = "urn:oasis:names:tc:xacml:1.0:function:dateTime-equal"
	FuncIntegerGreater     = "urn:oasis:names:tc:xacml:1.0:function:integer-greater-than"
	FuncIntegerGreaterEq   = "urn:oasis:names:tc:xacml:1.0:function:integer-greater-than-or-equal"
	FuncIntegerLess        = "urn:oasis:names:tc:xacml:1.0:function:integer-less-than"
	FuncIntegerLessEq      = "urn:oasis:names:tc:xacml:1.0:function:integer-less-than-or-equal"
	FuncDoubleGreater      = "urn:oasis:names:tc:xacml:1.0:function:double-greater-than"
	FuncDoubleLess         = "urn:oasis:names:tc:xacml:1.0:function:double-less-than"
	FuncDateTimeGreater    = "urn:oasis:names:tc:xacml:1.0:function:dateTime-greater-than"
	FuncDateTimeLess       = "urn:oasis:names:tc:xacml:1.0:function:dateTime-less-than"
	FuncStringRegexpMatch  = "urn:oasis:names:tc:xacml:1.0:function:string-regexp-match"
	FuncAnd                = "urn:oasis:names:tc:xacml:1.0:function:and"
	FuncOr                 = "urn:oasis:names:tc:xacml:1.0:function:or"
	FuncNot                = "urn:oasis:names:tc:xacml:1.0:function:not"
	FuncAnyOf              = "urn:oasis:names:tc:xacml:3.0:function:any-of"
	FuncStringOneAndOnly   = "urn:oasis:names:tc:xacml:1.0:function:string-one-and-only"
	FuncBooleanOneAndOnly  = "urn:oasis:names:tc:xacml:1.0:function:boolean-one-and-only"
	FuncIntegerOneAndOnly  = "urn:oasis:names:tc:xacml:1.0:function:integer-one-and-only"
	FuncDoubleOneAndOnly   = "urn:oasis:names:tc:xacml:1.0:function:double-one-and-only"
	FuncDateTimeOneAndOnly = "urn:oasis:names:tc:xacml:1.0:function:dateTime-one-and-only"
	FuncStringIsIn         = "urn:oasis:names:tc:xacml:1.0:function:string-is-in"
	FuncStringBagSize      = "urn:oasis:names:tc:xacml:1.0:function:string-bag-size"
)

// evalSingle evaluates an argument expression to a single attribute value.
func evalSingle(ctx *EvaluationContext, e Expression) (AttributeValue, error) {
	v, err := e.Evaluate(ctx)
	if err != nil {
		return AttributeValue{}, err
	}
	switch t := v.(type) {
	case AttributeValue:
		return t, nil
	case *Bag:
		return AttributeValue{}, newIndeterminate(Indeterminate, StatusProcessingError,
			"expected a single value, got a bag of %d", t.Len())
	}
	return AttributeValue{}, newIndeterminate(Indeterminate, StatusProcessingError,
		"expected a single value, got %T", v)
}

// evalBag evaluates an argument expression to a bag; a single value becomes
// a singleton bag.
func evalBag(ctx *EvaluationContext, e Expression) (*Bag, error) {
	v, err := e.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case *Bag:
		return t, nil
	case AttributeValue:
		return NewBag(t.DataType, t), nil
	}
	return nil, newIndeterminate(Indeterminate, StatusProcessingError, "expected a bag, got %T", v)
}

// firstOrderFunc is a fixed-arity function over single values.
type firstOrderFunc struct {
	id    string
	arity int
	impl  func(args []AttributeValue) (Value, error)
}

func (f *firstOrderFunc) ID() string { return f.id }

func (f *firstOrderFunc) Call(ctx *EvaluationContext, args []Expression) (Value, error) {
	if len(args) != f.arity {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError,
			"function %s: expected %d args, got %d", f.id, f.arity, len(args))
	}
	vals := make([]AttributeValue, len(args))
	for i, a := range args {
		v, err := evalSingle(ctx, a)
		if err != nil {
			return nil, wrapIndeterminate(Indeterminate, err, "function %s: arg #%d", f.id, i)
		}
		vals[i] = v
	}
	out, err := f.impl(vals)
	if err != nil {
		return nil, asIndeterminate(Indeterminate, err)
	}
	return out, nil
}

func typedArg(id string, v AttributeValue, dataType string) error {
	if v.DataType != dataType {
		return newIndeterminate(Indeterminate, StatusProcessingError,
			"function %s: expected %s argument, got %s", id, dataType, v.DataType)
	}
	return nil
}

func equalFunc(id, dataType string) Function {
	return &firstOrderFunc{id: id, arity: 2, impl: func(args []AttributeValue) (Value, error) {
		if err := typedArg(id, args[0], dataType); err != nil {
			return nil, err
		}
		if err := typedArg(id, args[1], dataType); err != nil {
			return nil, err
		}
		return BooleanValue(args[0].Equal(args[1])), nil
	}}
}

func integerCmpFunc(id string, cmp func(a, b int64) bool) Function {
	return &firstOrderFunc{id: id, arity: 2, impl: func(args []AttributeValue) (Value, error) {
		a, okA := args[0].Value.(int64)
		b, okB := args[1].Value.(int64)
		if !okA || !okB {
			return nil, fmt.Errorf("function %s: integer arguments required", id)
		}
		return BooleanValue(cmp(a, b)), nil
	}}
}

func doubleCmpFunc(id string, cmp func(a, b float64) bool) Function {
	return &firstOrderFunc{id: id, arity: 2, impl: func(args []AttributeValue) (Value, error) {
		a, okA := args[0].Value.(float64)
		b, okB := args[1].Value.(float64)
		if !okA || !okB {
			return nil, fmt.Errorf("function %s: double arguments required", id)
		}
		return BooleanValue(cmp(a, b)), nil
	}}
}

func dateTimeCmpFunc(id string, cmp func(a, b time.Time) bool) Function {
	return &firstOrderFunc{id: id, arity: 2, impl: func(args []AttributeValue) (Value, error) {
		a, okA := args[0].Value.(time.Time)
		b, okB := args[1].Value.(time.Time)
		if !okA || !okB {
			return nil, fmt.Errorf("function %s: dateTime arguments required", id)
		}
		return BooleanValue(cmp(a, b)), nil
	}}
}

func oneAndOnlyFunc(id, dataType string) Function {
	return &bagFunc{id: id, impl: func(b *Bag) (Value, error) {
		v, err := b.Single()
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", id, err)
		}
		if err := typedArg(id, v, dataType); err != nil {
			return nil, err
		}
		return v, nil
	}}
}

// bagFunc is a unary function over one bag argument.
type bagFunc struct {
	id   string
	impl func(b *Bag) (Value, error)
}

func (f *bagFunc) ID() string { return f.id }

func (f *bagFunc) Call(ctx *EvaluationContext, args []Expression) (Value, error) {
	if len(args) != 1 {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError,
			"function %s: expected 1 arg, got %d", f.id, len(args))
	}
	b, err := evalBag(ctx, args[0])
	if err != nil {
		return nil, wrapIndeterminate(Indeterminate, err, "function %s", f.id)
	}
	out, err := f.impl(b)
	if err != nil {
		return nil, asIndeterminate(Indeterminate, err)
	}
	return out, nil
}

// logicFunc implements and/or/not with short-circuit evaluation.
type logicFunc struct {
	id string
}

func (f *logicFunc) ID() string { return f.id }

func (f *logicFunc) Call(ctx *EvaluationContext, args []Expression) (Value, error) {
	switch f.id {
	case FuncNot:
		if len(args) != 1 {
			return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function not: expected 1 arg, got %d", len(args))
		}
		v, err := evalSingle(ctx, args[0])
		if err != nil {
			return nil, err
		}
		b, err := v.Bool()
		if err != nil {
			return nil, asIndeterminate(Indeterminate, err)
		}
		return BooleanValue(!b), nil
	case FuncAnd:
		for i, a := range args {
			v, err := evalSingle(ctx, a)
			if err != nil {
				return nil, wrapIndeterminate(Indeterminate, err, "function and: arg #%d", i)
			}
			b, err := v.Bool()
			if err != nil {
				return nil, asIndeterminate(Indeterminate, err)
			}
			if !b {
				return BooleanValue(false), nil
			}
		}
		return BooleanValue(true), nil
	case FuncOr:
		for i, a := range args {
			v, err := evalSingle(ctx, a)
			if err != nil {
				return nil, wrapIndeterminate(Indeterminate, err, "function or: arg #%d", i)
			}
			b, err := v.Bool()
			if err != nil {
				return nil, asIndeterminate(Indeterminate, err)
			}
			if b {
				return BooleanValue(true), nil
			}
		}
		return BooleanValue(false), nil
	}
	return nil, newIndeterminate(Indeterminate, StatusProcessingError, "unknown logic function %s", f.id)
}

// anyOfFunc is the 3.0 any-of higher-order function restricted to the shape
// Match machinery needs: any-of(matchFn, value, bag).
type anyOfFunc struct{}

func (anyOfFunc) ID() string { return FuncAnyOf }

func (anyOfFunc) Call(ctx *EvaluationContext, args []Expression) (Value, error) {
	if len(args) != 3 {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function any-of: expected 3 args, got %d", len(args))
	}
	fnVal, err := args[0].Evaluate(ctx)
	if err != nil {
		return nil, asIndeterminate(Indeterminate, err)
	}
	fv, ok := fnVal.(FunctionValue)
	if !ok {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function any-of: first arg must be a function")
	}
	lit, err := evalSingle(ctx, args[1])
	if err != nil {
		return nil, err
	}
	bag, err := evalBag(ctx, args[2])
	if err != nil {
		return nil, err
	}
	for _, elem := range bag.Values() {
		out, err := fv.Fn.Call(ctx, []Expression{LiteralExpression{Val: lit}, LiteralExpression{Val: elem}})
		if err != nil {
			return nil, asIndeterminate(Indeterminate, err)
		}
		av, ok := out.(AttributeValue)
		if !ok {
			return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function any-of: predicate result is not a single value")
		}
		b, err := av.Bool()
		if err != nil {
			return nil, asIndeterminate(Indeterminate, err)
		}
		if b {
			return BooleanValue(true), nil
		}
	}
	return BooleanValue(false), nil
}

// regexpMatchFunc matches a pattern (first arg) against a string.
type regexpMatchFunc struct{}

func (regexpMatchFunc) ID() string { return FuncStringRegexpMatch }

func (regexpMatchFunc) Call(ctx *EvaluationContext, args []Expression) (Value, error) {
	if len(args) != 2 {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function string-regexp-match: expected 2 args, got %d", len(args))
	}
	pat, err := evalSingle(ctx, args[0])
	if err != nil {
		return nil, err
	}
	str, err := evalSingle(ctx, args[1])
	if err != nil {
		return nil, err
	}
	ps, ok := pat.Value.(string)
	if !ok {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function string-regexp-match: pattern must be a string")
	}
	ss, ok := str.Value.(string)
	if !ok {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function string-regexp-match: subject must be a string")
	}
	re, err := regexp.Compile(ps)
	if err != nil {
		return nil, newIndeterminate(Indeterminate, StatusSyntaxError, "function string-regexp-match: invalid pattern %q: %v", ps, err)
	}
	return BooleanValue(re.MatchString(ss)), nil
}

// FunctionRegistry resolves function ids to implementations.
type FunctionRegistry struct {
	fns map[string]Function
}

// NewFunctionRegistry builds an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{fns: make(map[string]Function)}
}

// StandardFunctionRegistry builds a registry with the standard function set
// the Target/Condition machinery requires.
func StandardFunctionRegistry() *FunctionRegistry {
	r := NewFunctionRegistry()
	for _, fn := range []Function{
		equalFunc(FuncStringEqual, DataTypeString),
		equalFunc(FuncBooleanEqual, DataTypeBoolean),
		equalFunc(FuncIntegerEqual, DataTypeInteger),
		equalFunc(FuncDoubleEqual, DataTypeDouble),
		equalFunc(FuncAnyURIEqual, DataTypeAnyURI),
		equalFunc(FuncDateTimeEqual, DataTypeDateTime),
		integerCmpFunc(FuncIntegerGreater, func(a, b int64) bool { return a > b }),
		integerCmpFunc(FuncIntegerGreaterEq, func(a, b int64) bool { return a >= b }),
		integerCmpFunc(FuncIntegerLess, func(a, b int64) bool { return a < b }),
		integerCmpFunc(FuncIntegerLessEq, func(a, b int64) bool { return a <= b }),
		doubleCmpFunc(FuncDoubleGreater, func(a, b float64) bool { return a > b }),
		doubleCmpFunc(FuncDoubleLess, func(a, b float64) bool { return a < b }),
		dateTimeCmpFunc(FuncDateTimeGreater, func(a, b time.Time) bool { return a.After(b) }),
		dateTimeCmpFunc(FuncDateTimeLess, func(a, b time.Time) bool { return a.Before(b) }),
		oneAndOnlyFunc(FuncStringOneAndOnly, DataTypeString),
		oneAndOnlyFunc(FuncBooleanOneAndOnly, DataTypeBoolean),
		oneAndOnlyFunc(FuncIntegerOneAndOnly, DataTypeInteger),
		oneAndOnlyFunc(FuncDoubleOneAndOnly, DataTypeDouble),
		oneAndOnlyFunc(FuncDateTimeOneAndOnly, DataTypeDateTime),
		&bagFunc{id: FuncStringBagSize, impl: func(b *Bag) (Value, error) {
			return IntegerValue(int64(b.Len())), nil
		}},
		&logicFunc{id: FuncAnd},
		&logicFunc{id: FuncOr},
		&logicFunc{id: FuncNot},
		anyOfFunc{},
		regexpMatchFunc{},
		stringIsInFunc{},
	} {
		_ = r.Register(fn)
	}
	return r
}

// Register adds a function; duplicate ids are rejected.
func (r *FunctionRegistry) Register(fn Function) error {
	if _, ok := r.fns[fn.ID()]; ok {
		return fmt.Errorf("function %q already registered", fn.ID())
	}
	r.fns[fn.ID()] = fn
	return nil
}

// Get resolves a function id.
func (r *FunctionRegistry) Get(id string) (Function, bool) {
	fn, ok := r.fns[id]
	return fn, ok
}

// stringIsInFunc: string-is-in(value, bag).
type stringIsInFunc struct{}

func (stringIsInFunc) ID() string { return FuncStringIsIn }

func (stringIsInFunc) Call(ctx *EvaluationContext, args []Expression) (Value, error) {
	if len(args) != 2 {
		return nil, newIndeterminate(Indeterminate, StatusProcessingError, "function string-is-in: expected 2 args, got %d", len(args))
	}
	v, err := evalSingle(ctx, args[0])
	if err != nil {
		return nil, err
	}
	b, err := evalBag(ctx, args[1])
	if err != nil {
		return nil, err
	}
	return BooleanValue(b.Contains(v)), nil
}

// ============================================================================
// EXPRESSION FACTORY
// ============================================================================

// ExpressionFactory compiles expression definitions and manages the
// VariableDefinition namespace during policy construction. The variable
// registry is only mutated at construction time; compiled expressions are
// immutable and safe to share afterwards.
type ExpressionFactory struct {
	functions           *FunctionRegistry
	variables           map[string]*VariableExpression
	xpathEnabled        bool
	maxVariableRefDepth int
}

// ExpressionFactoryOption configures an ExpressionFactory.
type ExpressionFactoryOption func(*ExpressionFactory)

// WithXPath enables or disables XPath (AttributeSelector) support.
func WithXPath(enabled bool) ExpressionFactoryOption {
	return func(f *ExpressionFactory) { f.xpathEnabled = enabled }
}

// WithMaxVariableRefDepth bounds the longest chain of VariableReferences.
// Zero means unlimited.
func WithMaxVariableRefDepth(n int) ExpressionFactoryOption {
	return func(f *ExpressionFactory) { f.maxVariableRefDepth = n }
}

// NewExpressionFactory builds a factory on the given function registry.
func NewExpressionFactory(reg *FunctionRegistry, opts ...ExpressionFactoryOption) *ExpressionFactory {
	if reg == nil {
		reg = StandardFunctionRegistry()
	}
	f := &ExpressionFactory{
		functions: reg,
		variables: make(map[string]*VariableExpression),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IsXPathEnabled reports whether AttributeSelectors are supported.
func (f *ExpressionFactory) IsXPathEnabled() bool { return f.xpathEnabled }

// GetFunction resolves a function id.
func (f *ExpressionFactory) GetFunction(id string) (Function, error) {
	fn, ok := f.functions.Get(id)
	if !ok {
		return nil, fmt.Errorf("unsupported function %q", id)
	}
	return fn, nil
}

// GetVariableExpression resolves a VariableReference against the variables
// currently in scope.
func (f *ExpressionFactory) GetVariableExpression(id string) (*VariableExpression, error) {
	v, ok := f.variables[id]
	if !ok {
		return nil, fmt.Errorf("undefined VariableReference %q (no VariableDefinition in scope)", id)
	}
	return v, nil
}

// GetInstance compiles an expression definition. The XPath compiler is
// required only when the definition (transitively) contains an
// AttributeSelector.
func (f *ExpressionFactory) GetInstance(def *ExpressionDef, xc *XPathCompiler) (Expression, error) {
	if def == nil {
		return nil, fmt.Errorf("undefined expression")
	}
	switch {
	case def.Value != nil:
		v, err := ParseAttributeValue(def.Value.DataType, def.Value.Value)
		if err != nil {
			return nil, err
		}
		return LiteralExpression{Val: v}, nil

	case def.Designator != nil:
		d := def.Designator
		dataType := d.DataType
		if dataType == "" {
			dataType = DataTypeString
		}
		return &AttributeDesignatorExpression{
			Category:      d.Category,
			AttributeID:   d.AttributeID,
			Issuer:        d.Issuer,
			DataType:      dataType,
			MustBePresent: d.MustBePresent,
		}, nil

	case def.Selector != nil:
		if !f.xpathEnabled {
			return nil, fmt.Errorf("AttributeSelector requires XPath support, which is disabled")
		}
		if xc == nil {
			return nil, fmt.Errorf("AttributeSelector requires an XPath version in Policy(Set)Defaults")
		}
		s := def.Selector
		dataType := s.DataType
		if dataType == "" {
			dataType = DataTypeString
		}
		xp, err := xc.Compile(s.Path)
		if err != nil {
			return nil, err
		}
		return &AttributeSelectorExpression{
			Category:      s.Category,
			DataType:      dataType,
			MustBePresent: s.MustBePresent,
			xpath:         xp,
		}, nil

	case def.VariableRef != "":
		return f.GetVariableExpression(def.VariableRef)

	case def.Function != "":
		fn, err := f.GetFunction(def.Function)
		if err != nil {
			return nil, err
		}
		return FunctionExpression{Fn: fn}, nil

	case def.Apply != nil:
		fn, err := f.GetFunction(def.Apply.FunctionID)
		if err != nil {
			return nil, err
		}
		args := make([]Expression, len(def.Apply.Args))
		for i, argDef := range def.Apply.Args {
			arg, err := f.GetInstance(argDef, xc)
			if err != nil {
				return nil, fmt.Errorf("invalid arg #%d of %s: %w", i, def.Apply.FunctionID, err)
			}
			args[i] = arg
		}
		return &ApplyExpression{fn: fn, args: args}, nil

	case def.Text != "":
		parsed, err := ParseCondition(def.Text)
		if err != nil {
			return nil, err
		}
		return f.GetInstance(parsed, xc)
	}
	return nil, fmt.Errorf("empty expression definition")
}

// AddVariable compiles a VariableDefinition and registers it in the
// factory's namespace. It returns the previously registered variable of the
// same id, if any, so the caller can reject conflicts, together with the
// longest VariableReference chain inside the definition.
func (f *ExpressionFactory) AddVariable(def *VariableDefinitionDef, xc *XPathCompiler) (*VariableExpression, []string, error) {
	if def == nil || def.ID == "" {
		return nil, nil, fmt.Errorf("invalid VariableDefinition: missing VariableId")
	}
	if prev, ok := f.variables[def.ID]; ok {
		return prev, nil, nil
	}
	expr, err := f.GetInstance(&def.Expression, xc)
	if err != nil {
		return nil, nil, fmt.Errorf("VariableDefinition %q: %w", def.ID, err)
	}
	chain := longestVariableRefChain(expr)
	if f.maxVariableRefDepth > 0 && len(chain)+1 > f.maxVariableRefDepth {
		return nil, nil, fmt.Errorf("VariableDefinition %q: VariableReference chain depth %d exceeds maximum %d",
			def.ID, len(chain)+1, f.maxVariableRefDepth)
	}
	f.variables[def.ID] = &VariableExpression{id: def.ID, expr: expr, refChain: chain}
	return nil, chain, nil
}

// RemoveVariable drops a variable from the construction namespace. Called
// when leaving the defining policy's construction scope.
func (f *ExpressionFactory) RemoveVariable(id string) {
	delete(f.variables, id)
}

// longestVariableRefChain walks a compiled expression and returns the
// longest chain of variable ids reachable through VariableReferences.
func longestVariableRefChain(e Expression) []string {
	switch t := e.(type) {
	case *VariableExpression:
		return append([]string{t.id}, t.refChain...)
	case *ApplyExpression:
		var longest []string
		for _, arg := range t.args {
			if c := longestVariableRefChain(arg); len(c) > len(longest) {
				longest = c
			}
		}
		return longest
	}
	return nil
}

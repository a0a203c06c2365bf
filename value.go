package pdp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/oarkflow/date"
)

// ============================================================================
// VALUE & BAG MODEL
// ============================================================================

// XACML data type identifiers supported by the core.
const (
	DataTypeString   = "http://www.w3.org/2001/XMLSchema#string"
	DataTypeBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	DataTypeInteger  = "http://www.w3.org/2001/XMLSchema#integer"
	DataTypeDouble   = "http://www.w3.org/2001/XMLSchema#double"
	DataTypeDate     = "http://www.w3.org/2001/XMLSchema#date"
	DataTypeDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
	DataTypeAnyURI   = "http://www.w3.org/2001/XMLSchema#anyURI"
)

// Value is the result of evaluating an expression: either a single
// AttributeValue or a *Bag.
type Value interface {
	isValue()
}

// AttributeValue is a typed XACML attribute value. Value holds the Go
// representation: string for string/anyURI, bool, int64, float64,
// time.Time for date/dateTime.
type AttributeValue struct {
	DataType string `json:"type" yaml:"type"`
	Value    any    `json:"value" yaml:"value"`
}

func (AttributeValue) isValue() {}

func StringValue(s string) AttributeValue {
	return AttributeValue{DataType: DataTypeString, Value: s}
}

func BooleanValue(b bool) AttributeValue {
	return AttributeValue{DataType: DataTypeBoolean, Value: b}
}

func IntegerValue(i int64) AttributeValue {
	return AttributeValue{DataType: DataTypeInteger, Value: i}
}

func DoubleValue(f float64) AttributeValue {
	return AttributeValue{DataType: DataTypeDouble, Value: f}
}

func DateTimeValue(t time.Time) AttributeValue {
	return AttributeValue{DataType: DataTypeDateTime, Value: t}
}

func AnyURIValue(s string) AttributeValue {
	return AttributeValue{DataType: DataTypeAnyURI, Value: s}
}

// ParseAttributeValue parses the lexical form of a value of the given data
// type. Date and dateTime accept any layout the date parser understands.
func ParseAttributeValue(dataType, raw string) (AttributeValue, error) {
	switch dataType {
	case DataTypeString, DataTypeAnyURI, "":
		if dataType == "" {
			dataType = DataTypeString
		}
		return AttributeValue{DataType: dataType, Value: raw}, nil
	case DataTypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return AttributeValue{}, fmt.Errorf("invalid boolean %q: %w", raw, err)
		}
		return BooleanValue(b), nil
	case DataTypeInteger:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return AttributeValue{}, fmt.Errorf("invalid integer %q: %w", raw, err)
		}
		return IntegerValue(i), nil
	case DataTypeDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return AttributeValue{}, fmt.Errorf("invalid double %q: %w", raw, err)
		}
		return DoubleValue(f), nil
	case DataTypeDate, DataTypeDateTime:
		t, err := date.Parse(raw)
		if err != nil {
			return AttributeValue{}, fmt.Errorf("invalid %s %q: %w", dataType, raw, err)
		}
		return AttributeValue{DataType: dataType, Value: t}, nil
	default:
		return AttributeValue{}, fmt.Errorf("unsupported data type %q", dataType)
	}
}

// Equal compares two values; values of different data types never compare
// equal.
func (v AttributeValue) Equal(o AttributeValue) bool {
	if v.DataType != o.DataType {
		return false
	}
	if vt, ok := v.Value.(time.Time); ok {
		ot, ok := o.Value.(time.Time)
		return ok && vt.Equal(ot)
	}
	return v.Value == o.Value
}

func (v AttributeValue) String() string {
	return fmt.Sprintf("%v", v.Value)
}

// Bool returns the boolean content, or an error for non-boolean values.
func (v AttributeValue) Bool() (bool, error) {
	b, ok := v.Value.(bool)
	if !ok {
		return false, fmt.Errorf("value %v is %s, not boolean", v.Value, v.DataType)
	}
	return b, nil
}

// Bag is a multiset of attribute values of a single data type.
type Bag struct {
	elementType string
	values      []AttributeValue
}

func (*Bag) isValue() {}

// NewBag builds a bag of the given element type.
func NewBag(elementType string, values ...AttributeValue) *Bag {
	return &Bag{elementType: elementType, values: values}
}

// EmptyBag builds an empty bag of the given element type.
func EmptyBag(elementType string) *Bag {
	return &Bag{elementType: elementType}
}

func (b *Bag) ElementType() string { return b.elementType }

func (b *Bag) Len() int { return len(b.values) }

func (b *Bag) IsEmpty() bool { return len(b.values) == 0 }

// Values returns the underlying slice; callers must not mutate it.
func (b *Bag) Values() []AttributeValue { return b.values }

// Contains reports whether the bag holds a value equal to v.
func (b *Bag) Contains(v AttributeValue) bool {
	for _, e := range b.values {
		if e.Equal(v) {
			return true
		}
	}
	return false
}

// Single returns the only element of a singleton bag.
func (b *Bag) Single() (AttributeValue, error) {
	if len(b.values) != 1 {
		return AttributeValue{}, fmt.Errorf("expected singleton bag, got %d values", len(b.values))
	}
	return b.values[0], nil
}

func (b *Bag) String() string {
	return fmt.Sprintf("bag(%d)%v", len(b.values), b.values)
}

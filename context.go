package pdp

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync/atomic"
)

// ============================================================================
// DECISION REQUEST & EVALUATION CONTEXT
// ============================================================================

// Standard XACML attribute categories.
const (
	CategorySubject     = "urn:oasis:names:tc:xacml:1.0:subject-category:access-subject"
	CategoryResource    = "urn:oasis:names:tc:xacml:3.0:attribute-category:resource"
	CategoryAction      = "urn:oasis:names:tc:xacml:3.0:attribute-category:action"
	CategoryEnvironment = "urn:oasis:names:tc:xacml:3.0:attribute-category:environment"
)

// Standard XACML attribute identifiers.
const (
	AttributeSubjectID  = "urn:oasis:names:tc:xacml:1.0:subject:subject-id"
	AttributeResourceID = "urn:oasis:names:tc:xacml:1.0:resource:resource-id"
	AttributeActionID   = "urn:oasis:names:tc:xacml:1.0:action:action-id"
)

// RequestAttribute is one named attribute of a request category.
type RequestAttribute struct {
	ID     string           `json:"id" yaml:"id"`
	Issuer string           `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Values []AttributeValue `json:"values" yaml:"values"`
}

// RequestAttributes groups the attributes of one category, with optional
// structured content for attribute selectors.
type RequestAttributes struct {
	Category   string             `json:"category" yaml:"category"`
	Attributes []RequestAttribute `json:"attributes" yaml:"attributes"`
	Content    any                `json:"content,omitempty" yaml:"content,omitempty"`
}

// Request is an individual decision request: a read-only bundle of typed
// attributes organized by category.
type Request struct {
	Attributes         []RequestAttributes `json:"attributes" yaml:"attributes"`
	ReturnPolicyIDList bool                `json:"return_policy_id_list,omitempty" yaml:"return_policy_id_list,omitempty"`
}

// Add appends attribute values to a category, creating it if needed.
func (r *Request) Add(category, attributeID string, values ...AttributeValue) *Request {
	for i := range r.Attributes {
		if r.Attributes[i].Category == category {
			r.Attributes[i].Attributes = append(r.Attributes[i].Attributes, RequestAttribute{ID: attributeID, Values: values})
			return r
		}
	}
	r.Attributes = append(r.Attributes, RequestAttributes{
		Category:   category,
		Attributes: []RequestAttribute{{ID: attributeID, Values: values}},
	})
	return r
}

// hashKey returns a deterministic digest of the request attributes, used as
// the decision-cache key. Attribute order does not affect the digest.
func (r *Request) hashKey() uint64 {
	var lines []string
	for _, cat := range r.Attributes {
		for _, attr := range cat.Attributes {
			for _, v := range attr.Values {
				lines = append(lines, cat.Category+"\x00"+attr.ID+"\x00"+attr.Issuer+"\x00"+v.DataType+"\x00"+fmt.Sprintf("%v", v.Value))
			}
		}
	}
	sort.Strings(lines)
	h := fnv.New64a()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	if r.ReturnPolicyIDList {
		h.Write([]byte("+policy-id-list"))
	}
	return h.Sum64()
}

type attributeKey struct {
	category string
	id       string
	issuer   string
}

// EvaluationContext is the mutable per-request state threaded through the
// evaluator tree. It is owned by a single goroutine and destroyed at
// response time; evaluators themselves stay immutable and shared.
type EvaluationContext struct {
	ctx        context.Context
	attributes map[attributeKey]*Bag
	content    map[string]any
	variables  map[string]Value
	other      map[string]any

	applicablePolicyListRequested bool
}

// NewEvaluationContext builds the per-request context from a decision
// request. The context.Context is only consulted for cooperative
// cancellation between combining-algorithm iterations.
func NewEvaluationContext(ctx context.Context, req *Request) *EvaluationContext {
	if ctx == nil {
		ctx = context.Background()
	}
	ec := &EvaluationContext{
		ctx:        ctx,
		attributes: make(map[attributeKey]*Bag),
		content:    make(map[string]any),
		variables:  make(map[string]Value),
		other:      make(map[string]any),
	}
	if req == nil {
		return ec
	}
	ec.applicablePolicyListRequested = req.ReturnPolicyIDList
	for _, cat := range req.Attributes {
		if cat.Content != nil {
			ec.content[cat.Category] = cat.Content
		}
		for _, attr := range cat.Attributes {
			if attr.Issuer != "" {
				ec.addValues(attributeKey{cat.Category, attr.ID, attr.Issuer}, attr.Values)
			}
			// the issuerless slot aggregates all issuers, so designators
			// without an Issuer see every value for (category, id)
			ec.addValues(attributeKey{cat.Category, attr.ID, ""}, attr.Values)
		}
	}
	return ec
}

func (c *EvaluationContext) addValues(key attributeKey, values []AttributeValue) {
	if b, ok := c.attributes[key]; ok {
		b.values = append(b.values, values...)
		return
	}
	elemType := DataTypeString
	if len(values) > 0 {
		elemType = values[0].DataType
	}
	c.attributes[key] = NewBag(elemType, append([]AttributeValue(nil), values...)...)
}

// NamedAttributes returns the bag for (category, id, issuer). An empty
// issuer matches values from all issuers.
func (c *EvaluationContext) NamedAttributes(category, id, issuer string) (*Bag, bool) {
	b, ok := c.attributes[attributeKey{category, id, issuer}]
	return b, ok
}

// Content returns the structured content of a category, if any.
func (c *EvaluationContext) Content(category string) (any, bool) {
	v, ok := c.content[category]
	return v, ok
}

// Variable returns the value of a local variable published by an enclosing
// policy evaluation.
func (c *EvaluationContext) Variable(id string) (Value, bool) {
	v, ok := c.variables[id]
	return v, ok
}

// PutVariableIfAbsent publishes a variable value unless already present.
func (c *EvaluationContext) PutVariableIfAbsent(id string, v Value) {
	if _, ok := c.variables[id]; !ok {
		c.variables[id] = v
	}
}

// RemoveVariable drops a variable from the context.
func (c *EvaluationContext) RemoveVariable(id string) {
	delete(c.variables, id)
}

// Other returns an entry of the heterogeneous request-scoped cache.
func (c *EvaluationContext) Other(key string) any {
	return c.other[key]
}

// PutOther stores an entry in the request-scoped cache. Entries die with
// the context.
func (c *EvaluationContext) PutOther(key string, v any) {
	c.other[key] = v
}

// RemoveOther drops a request-scoped cache entry.
func (c *EvaluationContext) RemoveOther(key string) {
	delete(c.other, key)
}

// ApplicablePolicyListRequested reports whether the caller asked for the
// applicable-policy list; collectors stay disabled otherwise.
func (c *EvaluationContext) ApplicablePolicyListRequested() bool {
	return c.applicablePolicyListRequested
}

// Err reports cooperative cancellation of the underlying request context.
func (c *EvaluationContext) Err() error {
	return c.ctx.Err()
}

// evaluator cache keys must be unique per evaluator instance; a process-wide
// counter keeps them stable and cheap
var cacheKeyCounter atomic.Uint64

func nextCacheKey(prefix string) string {
	return prefix + "#" + strconv.FormatUint(cacheKeyCounter.Add(1), 36)
}

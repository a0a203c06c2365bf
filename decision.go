package pdp

import (
	"fmt"
)

// ============================================================================
// DECISION MODEL
// ============================================================================

// DecisionType is the outcome of evaluating a rule, policy or policy set.
type DecisionType uint8

const (
	NotApplicable DecisionType = iota
	Permit
	Deny
	Indeterminate
)

func (d DecisionType) String() string {
	switch d {
	case Permit:
		return "Permit"
	case Deny:
		return "Deny"
	case NotApplicable:
		return "NotApplicable"
	case Indeterminate:
		return "Indeterminate"
	}
	return fmt.Sprintf("DecisionType(%d)", uint8(d))
}

// XACML status code identifiers (XACML 3.0 §B.8)
const (
	StatusOK               = "urn:oasis:names:tc:xacml:1.0:status:ok"
	StatusProcessingError  = "urn:oasis:names:tc:xacml:1.0:status:processing-error"
	StatusSyntaxError      = "urn:oasis:names:tc:xacml:1.0:status:syntax-error"
	StatusMissingAttribute = "urn:oasis:names:tc:xacml:1.0:status:missing-attribute"
)

// Status is the machine-readable part of a decision result.
type Status struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

func (s *Status) String() string {
	if s == nil {
		return StatusOK
	}
	if s.Message == "" {
		return s.Code
	}
	return s.Code + ": " + s.Message
}

// IndeterminateError is the error produced anywhere inside the evaluation
// tree. It carries the extended-indeterminate bias (which determinate
// decisions the result could have been: Permit, Deny, or Indeterminate for
// both) and an XACML status code. Evaluators never let it escape evaluate():
// it always surfaces as an Indeterminate result.
type IndeterminateError struct {
	Bias    DecisionType
	Code    string
	Message string
	Cause   error
}

func (e *IndeterminateError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *IndeterminateError) Unwrap() error { return e.Cause }

// Status converts the error to a result status.
func (e *IndeterminateError) Status() *Status {
	if e == nil {
		return nil
	}
	code := e.Code
	if code == "" {
		code = StatusProcessingError
	}
	return &Status{Code: code, Message: e.Error()}
}

func newIndeterminate(bias DecisionType, code, format string, args ...any) *IndeterminateError {
	return &IndeterminateError{Bias: bias, Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapIndeterminate(bias DecisionType, err error, format string, args ...any) *IndeterminateError {
	w := &IndeterminateError{Bias: bias, Code: StatusProcessingError, Message: fmt.Sprintf(format, args...), Cause: err}
	if ie, ok := err.(*IndeterminateError); ok {
		w.Code = ie.Code
	}
	return w
}

// asIndeterminate coerces any error into an IndeterminateError with the given
// bias, synthesizing a generic processing-error status for untyped errors.
func asIndeterminate(bias DecisionType, err error) *IndeterminateError {
	if err == nil {
		return newIndeterminate(bias, StatusProcessingError, "cause unknown/hidden")
	}
	if ie, ok := err.(*IndeterminateError); ok {
		return ie
	}
	return &IndeterminateError{Bias: bias, Code: StatusProcessingError, Message: err.Error(), Cause: err}
}

// ============================================================================
// EXTENDED DECISION
// ============================================================================

// ExtendedDecision is the value combining algorithms consume and produce:
// a decision plus, for Indeterminate, the extended-indeterminate bias
// (XACML 3.0 §7.14): Permit for Indeterminate{P}, Deny for Indeterminate{D},
// Indeterminate for Indeterminate{DP}.
type ExtendedDecision struct {
	Decision         DecisionType
	ExtIndeterminate DecisionType
	Err              *IndeterminateError
}

var (
	extNotApplicable = ExtendedDecision{Decision: NotApplicable}
	extPermit        = ExtendedDecision{Decision: Permit}
	extDeny          = ExtendedDecision{Decision: Deny}
)

func extIndeterminate(bias DecisionType, err *IndeterminateError) ExtendedDecision {
	if bias == NotApplicable {
		bias = Indeterminate
	}
	return ExtendedDecision{Decision: Indeterminate, ExtIndeterminate: bias, Err: err}
}

// ============================================================================
// PEP ACTIONS
// ============================================================================

// AttributeAssignment is one fulfilled assignment inside a PEP action.
type AttributeAssignment struct {
	AttributeID string         `json:"attribute_id" yaml:"attribute_id"`
	Category    string         `json:"category,omitempty" yaml:"category,omitempty"`
	Issuer      string         `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Value       AttributeValue `json:"value" yaml:"value"`
}

// PepAction is a fulfilled obligation (IsMandatory) or advice.
type PepAction struct {
	ID          string                `json:"id" yaml:"id"`
	IsMandatory bool                  `json:"is_mandatory" yaml:"is_mandatory"`
	Assignments []AttributeAssignment `json:"assignments,omitempty" yaml:"assignments,omitempty"`
}

// PepActionCollector accumulates PEP actions during combining-algorithm
// evaluation. Snapshot freezes the current content so a stored DecisionResult
// cannot alias the parent's in-progress list.
type PepActionCollector struct {
	actions []PepAction
}

func (c *PepActionCollector) Add(a PepAction) { c.actions = append(c.actions, a) }

func (c *PepActionCollector) AddAll(as []PepAction) { c.actions = append(c.actions, as...) }

func (c *PepActionCollector) Snapshot() []PepAction {
	if len(c.actions) == 0 {
		return nil
	}
	out := make([]PepAction, len(c.actions))
	copy(out, c.actions)
	return out
}

// ApplicablePolicyCollector accumulates the metadata of policies that
// contributed a decision other than NotApplicable. A disabled collector
// ignores all writes, so hot paths pay nothing when the caller did not ask
// for the applicable-policy list.
type ApplicablePolicyCollector struct {
	enabled bool
	list    []PrimaryPolicyMetadata
}

func newApplicablePolicyCollector(enabled bool) *ApplicablePolicyCollector {
	return &ApplicablePolicyCollector{enabled: enabled}
}

func (c *ApplicablePolicyCollector) Add(m PrimaryPolicyMetadata) {
	if c.enabled {
		c.list = append(c.list, m)
	}
}

func (c *ApplicablePolicyCollector) AddAll(ms []PrimaryPolicyMetadata) {
	if c.enabled {
		c.list = append(c.list, ms...)
	}
}

func (c *ApplicablePolicyCollector) Snapshot() []PrimaryPolicyMetadata {
	if !c.enabled || len(c.list) == 0 {
		return nil
	}
	out := make([]PrimaryPolicyMetadata, len(c.list))
	copy(out, c.list)
	return out
}

// ============================================================================
// DECISION RESULT
// ============================================================================

// DecisionResult is the final outcome of evaluating a policy element:
// decision, status, fulfilled PEP actions and the applicable-policy list
// (when requested by the context).
type DecisionResult struct {
	Decision           DecisionType            `json:"decision" yaml:"decision"`
	ExtIndeterminate   DecisionType            `json:"-" yaml:"-"`
	Status             *Status                 `json:"status,omitempty" yaml:"status,omitempty"`
	PepActions         []PepAction             `json:"pep_actions,omitempty" yaml:"pep_actions,omitempty"`
	ApplicablePolicies []PrimaryPolicyMetadata `json:"applicable_policies,omitempty" yaml:"applicable_policies,omitempty"`
}

// Obligations returns the mandatory PEP actions, in fulfillment order.
func (r *DecisionResult) Obligations() []PepAction {
	var out []PepAction
	for _, a := range r.PepActions {
		if a.IsMandatory {
			out = append(out, a)
		}
	}
	return out
}

// Advice returns the non-mandatory PEP actions, in fulfillment order.
func (r *DecisionResult) Advice() []PepAction {
	var out []PepAction
	for _, a := range r.PepActions {
		if !a.IsMandatory {
			out = append(out, a)
		}
	}
	return out
}

var simpleNotApplicable = &DecisionResult{Decision: NotApplicable}

func notApplicableResult(status *Status) *DecisionResult {
	if status == nil {
		return simpleNotApplicable
	}
	return &DecisionResult{Decision: NotApplicable, Status: status}
}

func indeterminateResult(bias DecisionType, err *IndeterminateError, applicable []PrimaryPolicyMetadata) *DecisionResult {
	if bias == NotApplicable {
		bias = Indeterminate
	}
	return &DecisionResult{
		Decision:           Indeterminate,
		ExtIndeterminate:   bias,
		Status:             err.Status(),
		ApplicablePolicies: applicable,
	}
}

func determinateResult(d ExtendedDecision, actions []PepAction, applicable []PrimaryPolicyMetadata) *DecisionResult {
	r := &DecisionResult{
		Decision:           d.Decision,
		ExtIndeterminate:   d.ExtIndeterminate,
		PepActions:         actions,
		ApplicablePolicies: applicable,
	}
	if d.Err != nil {
		r.Status = d.Err.Status()
	}
	return r
}

package core

import (
	"fmt"
	"strings"
	"time"
)

// RuleType selects how a detection rule is evaluated
type RuleType string

const (
	// RuleTypeSignature fires when every predicate holds for a single finding
	RuleTypeSignature RuleType = "signature"
	// RuleTypeThreshold fires when matching findings reach a count within a sliding window
	RuleTypeThreshold RuleType = "threshold"
)

// PredicateOp is a comparison operator
type PredicateOp string

const (
	OpEquals     PredicateOp = "equals"
	OpNotEquals  PredicateOp = "not_equals"
	OpContains   PredicateOp = "contains"
	OpStartsWith PredicateOp = "starts_with"
	OpEndsWith   PredicateOp = "ends_with"
	OpRegex      PredicateOp = "regex"
	OpGreater    PredicateOp = "gt"
	OpGreaterEq  PredicateOp = "gte"
	OpLess       PredicateOp = "lt"
	OpLessEq     PredicateOp = "lte"
	OpExists     PredicateOp = "exists"
)

var validOps = map[PredicateOp]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpStartsWith: true,
	OpEndsWith: true, OpRegex: true, OpGreater: true, OpGreaterEq: true,
	OpLess: true, OpLessEq: true, OpExists: true,
}

// IsNumeric reports whether the operator compares numbers
func (op PredicateOp) IsNumeric() bool {
	switch op {
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		return true
	}
	return false
}

// Predicate is a single condition against a finding field
type Predicate struct {
	Field string      `json:"field" yaml:"field"`
	Op    PredicateOp `json:"op" yaml:"op"`
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// ThresholdSpec configures a threshold rule's sliding window
type ThresholdSpec struct {
	Window time.Duration `json:"window" yaml:"window"`
	Count  int           `json:"count" yaml:"count"`
	// GroupBy fields partition the counter; findings missing a group field are not counted
	GroupBy []string `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	// CountField, when set, makes each finding contribute that field's numeric value
	CountField string `json:"count_field,omitempty" yaml:"count_field,omitempty"`
}

// IndicatorField maps a finding field to the indicator type its values carry
type IndicatorField struct {
	Field string        `json:"field" yaml:"field"`
	Type  IndicatorType `json:"type" yaml:"type"`
}

// DetectionRule is a declarative signature or threshold rule
type DetectionRule struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        RuleType `json:"type" yaml:"type"`
	// Severity is the alert severity for signature rules and the ceiling for threshold rules
	Severity Severity `json:"severity" yaml:"severity"`
	// BaseSeverity is the starting severity of a threshold firing
	BaseSeverity Severity         `json:"base_severity,omitempty" yaml:"base_severity,omitempty"`
	Tools        []string         `json:"tools,omitempty" yaml:"tools,omitempty"`
	Predicates   []Predicate      `json:"predicates,omitempty" yaml:"predicates,omitempty"`
	Threshold    *ThresholdSpec   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Indicators   []IndicatorField `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	Tags         []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled      bool             `json:"enabled" yaml:"enabled"`
}

// AppliesToTool reports whether the rule is scoped to the given tool
func (r *DetectionRule) AppliesToTool(toolID string) bool {
	if len(r.Tools) == 0 {
		return true
	}
	for _, t := range r.Tools {
		if t == toolID {
			return true
		}
	}
	return false
}

// EffectiveBaseSeverity returns the threshold starting severity, defaulting to low
func (r *DetectionRule) EffectiveBaseSeverity() Severity {
	if r.BaseSeverity.IsValid() {
		return r.BaseSeverity
	}
	if SeverityLow.Rank() > r.Severity.Rank() {
		return r.Severity
	}
	return SeverityLow
}

// Validate checks rule structure. Regex compilation is checked by the rule engine.
func (r *DetectionRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return NewValidationError("id", "must not be empty")
	}
	if !r.Severity.IsValid() {
		return NewValidationError("severity", fmt.Sprintf("rule %s: unknown severity %q", r.ID, r.Severity))
	}
	if r.BaseSeverity != "" && !r.BaseSeverity.IsValid() {
		return NewValidationError("base_severity", fmt.Sprintf("rule %s: unknown severity %q", r.ID, r.BaseSeverity))
	}

	switch r.Type {
	case RuleTypeSignature:
		if len(r.Predicates) == 0 {
			return NewValidationError("predicates", fmt.Sprintf("rule %s: signature rules need at least one predicate", r.ID))
		}
	case RuleTypeThreshold:
		if r.Threshold == nil {
			return NewValidationError("threshold", fmt.Sprintf("rule %s: threshold rules need a threshold block", r.ID))
		}
		if r.Threshold.Count <= 0 {
			return NewValidationError("threshold.count", fmt.Sprintf("rule %s: must be positive", r.ID))
		}
		if r.Threshold.Window <= 0 {
			return NewValidationError("threshold.window", fmt.Sprintf("rule %s: must be positive", r.ID))
		}
	default:
		return NewValidationError("type", fmt.Sprintf("rule %s: unknown rule type %q", r.ID, r.Type))
	}

	for i, p := range r.Predicates {
		if strings.TrimSpace(p.Field) == "" {
			return NewValidationError(fmt.Sprintf("predicates[%d].field", i), fmt.Sprintf("rule %s: must not be empty", r.ID))
		}
		if !validOps[p.Op] {
			return NewValidationError(fmt.Sprintf("predicates[%d].op", i), fmt.Sprintf("rule %s: unknown operator %q", r.ID, p.Op))
		}
	}
	for i, f := range r.Indicators {
		if !f.Type.IsValid() {
			return NewValidationError(fmt.Sprintf("indicators[%d].type", i), fmt.Sprintf("rule %s: unknown indicator type %q", r.ID, f.Type))
		}
	}
	return nil
}

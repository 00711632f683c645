package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds a single regex predicate evaluation
const DefaultRegexTimeout = 500 * time.Millisecond

// ErrRegexTimeout is returned when a regex predicate exceeds its match timeout
var ErrRegexTimeout = errors.New("regex evaluation timeout")

// evalPredicate evaluates one predicate. A missing field is a non-match.
// A list-valued field matches when any element matches; a list-valued
// expectation matches when the field matches any entry.
func (e *RuleEngine) evalPredicate(ruleID string, p core.Predicate, f *core.Finding) (bool, error) {
	if p.Op == core.OpExists {
		_, ok := f.Lookup(p.Field)
		want := true
		if b, isBool := p.Value.(bool); isBool {
			want = b
		}
		return ok == want, nil
	}

	if p.Value == nil {
		return false, fmt.Errorf("predicate on %s (%s) has no value", p.Field, p.Op)
	}
	actual, ok := f.Lookup(p.Field)
	if !ok || actual == nil {
		return false, nil
	}
	values := elements(actual)

	if p.Op.IsNumeric() {
		want, ok := toFloat(p.Value)
		if !ok {
			return false, fmt.Errorf("predicate on %s (%s): comparison value %v is not numeric", p.Field, p.Op, p.Value)
		}
		for _, v := range values {
			got, ok := toFloat(v)
			if ok && compareNumbers(p.Op, got, want) {
				return true, nil
			}
		}
		return false, nil
	}

	expected := elements(p.Value)
	switch p.Op {
	case core.OpEquals:
		return anyPair(values, expected, equalValues), nil
	case core.OpNotEquals:
		return !anyPair(values, expected, equalValues), nil
	case core.OpContains:
		return anyPair(values, expected, func(a, b interface{}) bool {
			return strings.Contains(strings.ToLower(stringify(a)), strings.ToLower(stringify(b)))
		}), nil
	case core.OpStartsWith:
		return anyPair(values, expected, func(a, b interface{}) bool {
			return strings.HasPrefix(strings.ToLower(stringify(a)), strings.ToLower(stringify(b)))
		}), nil
	case core.OpEndsWith:
		return anyPair(values, expected, func(a, b interface{}) bool {
			return strings.HasSuffix(strings.ToLower(stringify(a)), strings.ToLower(stringify(b)))
		}), nil
	case core.OpRegex:
		for _, pattern := range expected {
			re, err := e.regex(stringify(pattern))
			if err != nil {
				return false, err
			}
			for _, v := range values {
				matched, err := e.matchRegex(ruleID, re, stringify(v))
				if err != nil {
					return false, err
				}
				if matched {
					return true, nil
				}
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %q", p.Op)
}

// regex returns the compiled pattern, compiling and caching it on first use
func (e *RuleEngine) regex(pattern string) (*regexp2.Regexp, error) {
	e.regexMu.RLock()
	re, ok := e.regexCache[pattern]
	e.regexMu.RUnlock()
	if ok {
		return re, nil
	}

	e.regexMu.Lock()
	defer e.regexMu.Unlock()
	if re, ok := e.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern %q: %w", pattern, err)
	}
	re.MatchTimeout = e.regexTimeout
	e.regexCache[pattern] = re
	return re, nil
}

func (e *RuleEngine) matchRegex(ruleID string, re *regexp2.Regexp, input string) (bool, error) {
	matched, err := re.MatchString(input)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			metrics.RegexTimeouts.WithLabelValues(ruleID).Inc()
			e.logger.Warnw("Regex timeout, pattern may be vulnerable to catastrophic backtracking",
				"rule_id", ruleID,
				"pattern", re.String(),
				"timeout", e.regexTimeout,
				"input_length", len(input))
			return false, ErrRegexTimeout
		}
		return false, fmt.Errorf("regex matching error: %w", err)
	}
	return matched, nil
}

// CheckRule validates rule structure and the predicate values the engine
// would otherwise only reject at evaluation time.
func CheckRule(rule *core.DetectionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	for i, p := range rule.Predicates {
		field := fmt.Sprintf("predicates[%d].value", i)
		if p.Op == core.OpExists {
			if _, isBool := p.Value.(bool); p.Value != nil && !isBool {
				return core.NewValidationError(field, fmt.Sprintf("rule %s: exists takes a boolean", rule.ID))
			}
			continue
		}
		if p.Value == nil {
			return core.NewValidationError(field, fmt.Sprintf("rule %s: must not be empty", rule.ID))
		}
		for _, v := range elements(p.Value) {
			switch {
			case p.Op.IsNumeric():
				if _, ok := toFloat(v); !ok {
					return core.NewValidationError(field, fmt.Sprintf("rule %s: %v is not numeric", rule.ID, v))
				}
			case p.Op == core.OpRegex:
				if _, err := regexp2.Compile(stringify(v), regexp2.None); err != nil {
					return core.NewValidationError(field, fmt.Sprintf("rule %s: invalid regex: %v", rule.ID, err))
				}
			}
		}
	}
	return nil
}

func compareNumbers(op core.PredicateOp, got, want float64) bool {
	switch op {
	case core.OpGreater:
		return got > want
	case core.OpGreaterEq:
		return got >= want
	case core.OpLess:
		return got < want
	case core.OpLessEq:
		return got <= want
	}
	return false
}

func anyPair(values, expected []interface{}, match func(a, b interface{}) bool) bool {
	for _, v := range values {
		for _, want := range expected {
			if match(v, want) {
				return true
			}
		}
	}
	return false
}

// equalValues compares numerically when both sides are numbers and as exact
// strings otherwise. Case folding is left to regex predicates.
func equalValues(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return stringify(a) == stringify(b)
}

func elements(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []interface{}{v}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// toFloat converts numeric values and numeric strings
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

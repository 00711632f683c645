// Package detect evaluates declarative detection rules against findings.
//
// Signature rules fire when every predicate holds for a single finding.
// Threshold rules count matching findings per rule and group-by key inside a
// sliding window and fire when the count reaches the rule's threshold. Rule
// sets are swapped atomically; window state and firing generations survive a
// reload for rules whose threshold definition did not change.
package detect

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// Config tunes the rule engine
type Config struct {
	RegexTimeout time.Duration `mapstructure:"regex_timeout"`
}

// Firing is one rule match that should become (or update) an alert
type Firing struct {
	Rule    *core.DetectionRule
	Finding *core.Finding
	// GroupKey is the joined group-by values of a threshold firing
	GroupKey string
	// Sum is the counted total inside the window; 1 for signature firings
	Sum float64
	// Generation is non-zero for threshold firings and distinguishes
	// successive firings of the same rule
	Generation   uint64
	Severity     core.Severity
	ExecutionIDs []string
	FindingIDs   []string
}

// Indicators returns the indicator references a firing carries: the values of
// the rule's indicator fields plus the finding's own references.
func (f *Firing) Indicators() []core.IndicatorRef {
	var refs []core.IndicatorRef
	for _, field := range f.Rule.Indicators {
		v, ok := f.Finding.Lookup(field.Field)
		if !ok {
			continue
		}
		for _, el := range elements(v) {
			s := strings.TrimSpace(stringify(el))
			if s == "" {
				continue
			}
			refs = append(refs, core.IndicatorRef{Type: field.Type, Value: s})
		}
	}
	refs = append(refs, f.Finding.Indicators...)
	return core.DedupeRefs(refs)
}

// Outcome is the result of evaluating one rule. Exactly one of Firing and
// Err is set.
type Outcome struct {
	Rule   *core.DetectionRule
	Firing *Firing
	Err    error
}

type ruleSet struct {
	rules []core.DetectionRule
	byID  map[string]*core.DetectionRule
}

type windowEntry struct {
	at          time.Time
	weight      float64
	executionID string
	findingID   string
}

type window struct {
	ruleID  string
	spec    core.ThresholdSpec
	entries []windowEntry
}

// prune drops entries at or before cutoff
func (w *window) prune(cutoff time.Time) {
	keep := w.entries[:0]
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	w.entries = keep
}

func (w *window) sum() float64 {
	var total float64
	for _, e := range w.entries {
		total += e.weight
	}
	return total
}

// RuleEngine holds the active rule set and threshold window state
type RuleEngine struct {
	rules        atomic.Pointer[ruleSet]
	regexTimeout time.Duration
	logger       *zap.SugaredLogger

	regexMu    sync.RWMutex
	regexCache map[string]*regexp2.Regexp

	windowMu    sync.Mutex
	windows     map[string]*window
	generations map[string]uint64
}

// NewRuleEngine creates an engine with an empty rule set
func NewRuleEngine(cfg Config, logger *zap.SugaredLogger) *RuleEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.RegexTimeout <= 0 {
		cfg.RegexTimeout = DefaultRegexTimeout
	}
	e := &RuleEngine{
		regexTimeout: cfg.RegexTimeout,
		logger:       logger,
		regexCache:   make(map[string]*regexp2.Regexp),
		windows:      make(map[string]*window),
		generations:  make(map[string]uint64),
	}
	e.rules.Store(&ruleSet{byID: map[string]*core.DetectionRule{}})
	return e
}

// SetRules replaces the rule set. The set is rejected as a whole when a rule
// is structurally invalid or an id repeats. Windows of removed rules and of
// rules whose threshold block changed are discarded.
func (e *RuleEngine) SetRules(rules []core.DetectionRule) error {
	set := &ruleSet{
		rules: make([]core.DetectionRule, len(rules)),
		byID:  make(map[string]*core.DetectionRule, len(rules)),
	}
	copy(set.rules, rules)
	for i := range set.rules {
		r := &set.rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := set.byID[r.ID]; dup {
			return core.NewValidationError("id", fmt.Sprintf("duplicate rule id %s", r.ID))
		}
		set.byID[r.ID] = r
	}

	e.windowMu.Lock()
	for key, w := range e.windows {
		r, ok := set.byID[w.ruleID]
		if !ok || r.Threshold == nil || !reflect.DeepEqual(*r.Threshold, w.spec) {
			delete(e.windows, key)
		}
	}
	e.windowMu.Unlock()

	e.rules.Store(set)
	metrics.RulesLoaded.Set(float64(len(set.rules)))
	e.logger.Infow("Rule set updated", "rules", len(set.rules))
	return nil
}

// Rules returns a copy of the active rule set
func (e *RuleEngine) Rules() []core.DetectionRule {
	set := e.rules.Load()
	out := make([]core.DetectionRule, len(set.rules))
	copy(out, set.rules)
	return out
}

// Rule returns the active rule with the given id
func (e *RuleEngine) Rule(id string) (*core.DetectionRule, bool) {
	r, ok := e.rules.Load().byID[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Evaluate runs every enabled rule that applies to the finding's tool. Only
// rules that fired or failed produce an outcome. A failing or panicking rule
// never affects the others.
func (e *RuleEngine) Evaluate(f *core.Finding, now time.Time) []Outcome {
	start := time.Now()
	defer func() {
		metrics.RuleEvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	set := e.rules.Load()
	var outcomes []Outcome
	for i := range set.rules {
		rule := &set.rules[i]
		if !rule.Enabled || !rule.AppliesToTool(f.ToolID) {
			continue
		}

		var firing *Firing
		err := goroutine.Safely("rule "+rule.ID, e.logger, func() error {
			var err error
			firing, err = e.evaluateRule(rule, f, now)
			return err
		})
		switch {
		case err != nil:
			metrics.RuleEvaluationErrors.WithLabelValues(rule.ID).Inc()
			e.logger.Warnw("Rule evaluation failed",
				"rule_id", rule.ID,
				"finding_id", f.ID,
				"error", err)
			outcomes = append(outcomes, Outcome{Rule: rule, Err: err})
		case firing != nil:
			metrics.RuleMatches.WithLabelValues(rule.ID, string(rule.Type)).Inc()
			outcomes = append(outcomes, Outcome{Rule: rule, Firing: firing})
		}
	}
	return outcomes
}

func (e *RuleEngine) evaluateRule(rule *core.DetectionRule, f *core.Finding, now time.Time) (*Firing, error) {
	switch rule.Type {
	case core.RuleTypeSignature:
		matched, err := e.EvaluateSignatureRule(rule, f)
		if err != nil || !matched {
			return nil, err
		}
		return &Firing{
			Rule:         rule,
			Finding:      f,
			Sum:          1,
			Severity:     rule.Severity,
			ExecutionIDs: nonEmpty(f.ExecutionID),
			FindingIDs:   nonEmpty(f.ID),
		}, nil
	case core.RuleTypeThreshold:
		return e.EvaluateThresholdRule(rule, f, now)
	}
	return nil, fmt.Errorf("unknown rule type %q", rule.Type)
}

// EvaluateSignatureRule reports whether every predicate of rule holds for f
func (e *RuleEngine) EvaluateSignatureRule(rule *core.DetectionRule, f *core.Finding) (bool, error) {
	for _, p := range rule.Predicates {
		ok, err := e.evalPredicate(rule.ID, p, f)
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateThresholdRule counts f toward the rule's window when its filter
// predicates hold. It returns a firing when the windowed sum reaches the
// threshold count, after which the window for that group starts empty.
func (e *RuleEngine) EvaluateThresholdRule(rule *core.DetectionRule, f *core.Finding, now time.Time) (*Firing, error) {
	spec := rule.Threshold
	if spec == nil {
		return nil, fmt.Errorf("rule %s: missing threshold block", rule.ID)
	}
	matched, err := e.EvaluateSignatureRule(rule, f)
	if err != nil || !matched {
		return nil, err
	}

	groupKey, ok := groupKeyFor(spec.GroupBy, f)
	if !ok {
		return nil, nil
	}
	weight := 1.0
	if spec.CountField != "" {
		v, ok := f.Lookup(spec.CountField)
		if !ok {
			return nil, nil
		}
		w, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("rule %s: count field %s value %v is not numeric", rule.ID, spec.CountField, v)
		}
		if w <= 0 {
			return nil, nil
		}
		weight = w
	}

	e.windowMu.Lock()
	defer e.windowMu.Unlock()

	key := rule.ID + "\x00" + groupKey
	w, ok := e.windows[key]
	if !ok || !reflect.DeepEqual(*spec, w.spec) {
		w = &window{ruleID: rule.ID, spec: *spec}
		e.windows[key] = w
	}
	w.prune(now.Add(-spec.Window))
	w.entries = append(w.entries, windowEntry{
		at:          now,
		weight:      weight,
		executionID: f.ExecutionID,
		findingID:   f.ID,
	})

	sum := w.sum()
	if sum < float64(spec.Count) {
		return nil, nil
	}

	e.generations[rule.ID]++
	firing := &Firing{
		Rule:       rule,
		Finding:    f,
		GroupKey:   groupKey,
		Sum:        sum,
		Generation: e.generations[rule.ID],
		Severity:   ThresholdSeverity(rule, sum),
	}
	seenExec := make(map[string]bool)
	for _, entry := range w.entries {
		if entry.executionID != "" && !seenExec[entry.executionID] {
			seenExec[entry.executionID] = true
			firing.ExecutionIDs = append(firing.ExecutionIDs, entry.executionID)
		}
		if entry.findingID != "" {
			firing.FindingIDs = append(firing.FindingIDs, entry.findingID)
		}
	}
	delete(e.windows, key)
	return firing, nil
}

// Sweep drops windows whose entries have all expired and returns how many
// were removed
func (e *RuleEngine) Sweep(now time.Time) int {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()

	removed := 0
	for key, w := range e.windows {
		w.prune(now.Add(-w.spec.Window))
		if len(w.entries) == 0 {
			delete(e.windows, key)
			removed++
		}
	}
	return removed
}

// ThresholdSeverity starts at the rule's base severity and rises one level
// per doubling of the count (2x, 4x, 8x ...), capped at the rule severity.
func ThresholdSeverity(rule *core.DetectionRule, sum float64) core.Severity {
	base := rule.EffectiveBaseSeverity()
	if rule.Threshold == nil || rule.Threshold.Count <= 0 {
		return base
	}
	levels := 0
	for ratio := sum / float64(rule.Threshold.Count); ratio >= 2; ratio /= 2 {
		levels++
	}
	return base.Raise(levels, rule.Severity)
}

// groupKeyFor joins the group-by values in field order. A finding missing
// any group field is not counted.
func groupKeyFor(fields []string, f *core.Finding) (string, bool) {
	if len(fields) == 0 {
		return "", true
	}
	parts := make([]string, len(fields))
	for i, field := range fields {
		v, ok := f.Lookup(field)
		if !ok || v == nil {
			return "", false
		}
		vals := elements(v)
		strs := make([]string, len(vals))
		for j, el := range vals {
			strs[j] = stringify(el)
		}
		sort.Strings(strs)
		parts[i] = strings.Join(strs, ",")
	}
	return strings.Join(parts, "\x1f"), true
}

func nonEmpty(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

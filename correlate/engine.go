// Package correlate turns findings into deduplicated, prioritized alerts.
//
// Every finding is evaluated by the rule engine. Each firing is folded into
// an active alert with the same fingerprint created inside the dedup bucket,
// or opens a new alert. The indicators a firing references are registered in
// the indicator store, which queues new ones for enrichment.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"argus/core"
	"argus/detect"
	"argus/execution"
	"argus/metrics"
	"argus/threat"
	"argus/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config tunes correlation
type Config struct {
	// DedupBucket is how long an active alert absorbs repeated firings
	DedupBucket time.Duration `mapstructure:"dedup_bucket"`
	// IndicatorConfidence maps an alert severity to the confidence given to
	// indicators registered from its firings
	IndicatorConfidence map[string]float64 `mapstructure:"indicator_confidence"`
	// SweepInterval is how often expired threshold windows are dropped
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DefaultConfig returns the default correlation settings
func DefaultConfig() Config {
	return Config{
		DedupBucket: time.Hour,
		IndicatorConfidence: map[string]float64{
			string(core.SeverityCritical): 90,
			string(core.SeverityHigh):     75,
			string(core.SeverityMedium):   50,
			string(core.SeverityLow):      30,
			string(core.SeverityInfo):     10,
		},
		SweepInterval: time.Minute,
	}
}

// RuleStats is the tuning view of one rule
type RuleStats struct {
	RuleID         string        `json:"rule_id"`
	Name           string        `json:"name,omitempty"`
	Type           core.RuleType `json:"type,omitempty"`
	Enabled        bool          `json:"enabled"`
	Loaded         bool          `json:"loaded"`
	Matches        uint64        `json:"matches"`
	AlertsCreated  uint64        `json:"alerts_created"`
	Deduplicated   uint64        `json:"deduplicated"`
	FalsePositives uint64        `json:"false_positives"`
	Errors         uint64        `json:"errors"`
}

type ruleCounters struct {
	matches, created, deduplicated, falsePositives, errors uint64
}

// AnomalyAlert is an externally scored alert that no rule produced
type AnomalyAlert struct {
	Score       float64             `json:"score" validate:"gte=0,lte=1"`
	Severity    core.Severity       `json:"severity,omitempty"`
	Title       string              `json:"title" validate:"required"`
	Description string              `json:"description,omitempty"`
	CaseID      string              `json:"case_id,omitempty"`
	ExecutionID string              `json:"execution_id,omitempty"`
	Indicators  []core.IndicatorRef `json:"indicators,omitempty"`
}

// Validate checks the anomaly alert
func (a *AnomalyAlert) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return core.NewValidationError("title", "must not be empty")
	}
	if a.Score < 0 || a.Score > 1 {
		return core.NewValidationError("score", "must be between 0 and 1")
	}
	if a.Severity != "" && !a.Severity.IsValid() {
		return core.NewValidationError("severity", "unknown severity "+string(a.Severity))
	}
	for i, ref := range a.Indicators {
		if !ref.Type.IsValid() {
			return core.NewValidationError(fmt.Sprintf("indicators[%d].type", i), "unknown indicator type "+string(ref.Type))
		}
	}
	return nil
}

// ScoreSeverity maps an anomaly score in [0,1] to a severity
func ScoreSeverity(score float64) core.Severity {
	switch {
	case score >= 0.9:
		return core.SeverityCritical
	case score >= 0.75:
		return core.SeverityHigh
	case score >= 0.5:
		return core.SeverityMedium
	case score >= 0.25:
		return core.SeverityLow
	}
	return core.SeverityInfo
}

// Engine is the correlation and alerting engine
type Engine struct {
	cfg        Config
	rules      *detect.RuleEngine
	alerts     AlertStore
	indicators *threat.IndicatorStore
	logger     *zap.SugaredLogger
	now        func() time.Time

	// alertMu serializes fingerprint lookup and alert writes
	alertMu sync.Mutex

	statsMu sync.Mutex
	stats   map[string]*ruleCounters

	cancel context.CancelFunc
	done   chan struct{}
}

var _ execution.CompletionListener = (*Engine)(nil)

// NewEngine creates a correlation engine
func NewEngine(cfg Config, rules *detect.RuleEngine, alerts AlertStore, indicators *threat.IndicatorStore, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultConfig()
	if cfg.DedupBucket <= 0 {
		cfg.DedupBucket = defaults.DedupBucket
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.IndicatorConfidence == nil {
		cfg.IndicatorConfidence = defaults.IndicatorConfidence
	}
	return &Engine{
		cfg:        cfg,
		rules:      rules,
		alerts:     alerts,
		indicators: indicators,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		stats:      make(map[string]*ruleCounters),
	}
}

// Rules returns the rule engine the correlation engine evaluates with
func (e *Engine) Rules() *detect.RuleEngine {
	return e.rules
}

// Start runs the threshold window sweeper until Stop
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	goroutine.Go("correlation-sweeper", e.logger, func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.rules.Sweep(e.now()); n > 0 {
					e.logger.Debugw("Expired threshold windows dropped", "windows", n)
				}
			}
		}
	})
}

// Stop stops the sweeper
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

// OnExecutionCompleted ingests the findings of a completed execution in order
func (e *Engine) OnExecutionCompleted(ctx context.Context, ev execution.CompletionEvent) error {
	var errs []error
	for i := range ev.Findings {
		if _, err := e.IngestFinding(ctx, &ev.Findings[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IngestFinding evaluates every enabled rule against f and returns the alerts
// that were created or updated. Rule failures are counted and do not stop
// the other rules.
func (e *Engine) IngestFinding(ctx context.Context, f *core.Finding) ([]*core.Alert, error) {
	if f == nil {
		return nil, core.NewValidationError("finding", "must not be nil")
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := e.now()
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	metrics.FindingsIngested.WithLabelValues(f.ToolID).Inc()

	var alerts []*core.Alert
	var errs []error
	for _, outcome := range e.rules.Evaluate(f, now) {
		if outcome.Err != nil {
			e.count(outcome.Rule.ID, func(c *ruleCounters) { c.errors++ })
			continue
		}
		e.count(outcome.Rule.ID, func(c *ruleCounters) { c.matches++ })

		alert, err := e.raise(ctx, outcome.Firing, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", outcome.Rule.ID, err))
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, errors.Join(errs...)
}

func (e *Engine) raise(ctx context.Context, firing *detect.Firing, now time.Time) (*core.Alert, error) {
	rule := firing.Rule
	refs := firing.Indicators()
	fingerprint := core.AlertFingerprint(rule.ID, refs, firing.Generation)

	e.alertMu.Lock()
	existing, err := e.alerts.FindActiveAlert(ctx, fingerprint, now.Add(-e.cfg.DedupBucket))
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		e.alertMu.Unlock()
		return nil, fmt.Errorf("failed to look up alert: %w", err)
	}

	var alert *core.Alert
	created := existing == nil
	if created {
		alert = e.newRuleAlert(firing, refs, fingerprint, now)
	} else {
		alert = existing
		alert.RecordFiring("", "", now)
		alert.AddLinks(firing.ExecutionIDs, firing.FindingIDs)
		alert.Severity = core.MaxSeverity(alert.Severity, firing.Severity)
		if alert.CaseID == "" {
			alert.CaseID = firing.Finding.CaseID
		}
	}
	if err := e.alerts.SaveAlert(ctx, alert); err != nil {
		e.alertMu.Unlock()
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}
	e.alertMu.Unlock()

	if created {
		e.count(rule.ID, func(c *ruleCounters) { c.created++ })
		metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
		e.logger.Infow("Alert created",
			"alert_id", alert.ID,
			"rule_id", rule.ID,
			"severity", alert.Severity,
			"indicators", len(refs),
			"case_id", alert.CaseID)
	} else {
		e.count(rule.ID, func(c *ruleCounters) { c.deduplicated++ })
		metrics.AlertsDeduplicated.Inc()
		e.logger.Debugw("Firing deduplicated",
			"alert_id", alert.ID,
			"rule_id", rule.ID,
			"firing_count", alert.FiringCount)
	}

	tags := append([]string{"rule:" + rule.ID}, rule.Tags...)
	e.registerRefs(ctx, refs, alert.Severity, tags)
	return alert, nil
}

func (e *Engine) newRuleAlert(firing *detect.Firing, refs []core.IndicatorRef, fingerprint string, now time.Time) *core.Alert {
	rule := firing.Rule
	title := rule.Name
	if title == "" {
		title = rule.ID
	}
	description := rule.Description
	if rule.Type == core.RuleTypeThreshold && rule.Threshold != nil {
		summary := fmt.Sprintf("%g matching findings within %s", firing.Sum, rule.Threshold.Window)
		if firing.GroupKey != "" {
			summary += " for " + strings.ReplaceAll(firing.GroupKey, "\x1f", "/")
		}
		if description == "" {
			description = summary
		} else {
			description += " (" + summary + ")"
		}
	}

	alert := &core.Alert{
		ID:          uuid.New().String(),
		RuleID:      rule.ID,
		Severity:    firing.Severity,
		Title:       title,
		Description: description,
		Indicators:  refs,
		Status:      core.AlertStatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastFiredAt: now,
		FiringCount: 1,
		CaseID:      firing.Finding.CaseID,
		Fingerprint: fingerprint,
	}
	alert.AddLinks(firing.ExecutionIDs, firing.FindingIDs)
	return alert
}

// registerRefs upserts the referenced indicators. Values that are not valid
// for their type are logged and skipped.
func (e *Engine) registerRefs(ctx context.Context, refs []core.IndicatorRef, severity core.Severity, tags []string) {
	if e.indicators == nil {
		return
	}
	for _, ref := range refs {
		_, err := e.RegisterIndicator(ctx, core.IndicatorInput{
			Type:        ref.Type,
			Value:       ref.Value,
			ThreatLevel: severity,
			Confidence:  e.cfg.IndicatorConfidence[string(severity)],
			Tags:        tags,
		})
		if err != nil {
			e.logger.Warnw("Failed to register indicator",
				"type", ref.Type,
				"value", ref.Value,
				"error", err)
		}
	}
}

// RegisterIndicator records an indicator observation. New indicators are
// queued for enrichment by the store's creation hooks.
func (e *Engine) RegisterIndicator(ctx context.Context, in core.IndicatorInput) (*core.Indicator, error) {
	if e.indicators == nil {
		return nil, errors.New("indicator store not configured")
	}
	ind, _, err := e.indicators.Upsert(ctx, in)
	return ind, err
}

// RaiseAnomalyAlert records an alert scored outside the rule engine.
// Anomaly alerts are never deduplicated.
func (e *Engine) RaiseAnomalyAlert(ctx context.Context, in AnomalyAlert) (*core.Alert, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	severity := in.Severity
	if severity == "" {
		severity = ScoreSeverity(in.Score)
	}
	score := in.Score
	now := e.now()
	refs := core.DedupeRefs(in.Indicators)

	alert := &core.Alert{
		ID:           uuid.New().String(),
		AnomalyScore: &score,
		Severity:     severity,
		Title:        in.Title,
		Description:  in.Description,
		Indicators:   refs,
		Status:       core.AlertStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastFiredAt:  now,
		FiringCount:  1,
		CaseID:       in.CaseID,
	}
	alert.Fingerprint = core.AlertFingerprint("anomaly:"+alert.ID, refs, 0)
	if in.ExecutionID != "" {
		alert.ExecutionIDs = []string{in.ExecutionID}
	}

	e.alertMu.Lock()
	err := e.alerts.SaveAlert(ctx, alert)
	e.alertMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	metrics.AlertsCreated.WithLabelValues(string(severity)).Inc()
	e.logger.Infow("Anomaly alert created",
		"alert_id", alert.ID,
		"score", score,
		"severity", severity,
		"case_id", alert.CaseID)
	e.registerRefs(ctx, refs, severity, []string{"anomaly"})
	return alert.Clone(), nil
}

// SetStatus moves an alert through its lifecycle
func (e *Engine) SetStatus(ctx context.Context, alertID string, status core.AlertStatus) (*core.Alert, error) {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()

	alert, err := e.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	from := alert.Status
	if err := alert.TransitionTo(status); err != nil {
		return nil, err
	}
	alert.UpdatedAt = e.now()
	if err := e.alerts.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	metrics.AlertTransitions.WithLabelValues(string(from), string(status)).Inc()
	if status == core.AlertStatusFalsePositive && alert.RuleID != "" {
		e.count(alert.RuleID, func(c *ruleCounters) { c.falsePositives++ })
	}
	e.logger.Infow("Alert status changed",
		"alert_id", alertID,
		"from", from,
		"to", status)
	return alert, nil
}

// GetAlert returns an alert by id
func (e *Engine) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	return e.alerts.GetAlert(ctx, id)
}

// ListAlerts returns alerts matching filter, newest first
func (e *Engine) ListAlerts(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error) {
	return e.alerts.ListAlerts(ctx, filter)
}

// RuleStats returns counters for every loaded rule and for rules that have
// counters but are no longer loaded, ordered by rule id
func (e *Engine) RuleStats() []RuleStats {
	byID := make(map[string]*RuleStats)
	for _, r := range e.rules.Rules() {
		byID[r.ID] = &RuleStats{RuleID: r.ID, Name: r.Name, Type: r.Type, Enabled: r.Enabled, Loaded: true}
	}

	e.statsMu.Lock()
	for id, c := range e.stats {
		s, ok := byID[id]
		if !ok {
			s = &RuleStats{RuleID: id}
			byID[id] = s
		}
		s.Matches = c.matches
		s.AlertsCreated = c.created
		s.Deduplicated = c.deduplicated
		s.FalsePositives = c.falsePositives
		s.Errors = c.errors
	}
	e.statsMu.Unlock()

	out := make([]RuleStats, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

func (e *Engine) count(ruleID string, fn func(*ruleCounters)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	c, ok := e.stats[ruleID]
	if !ok {
		c = &ruleCounters{}
		e.stats[ruleID] = c
	}
	fn(c)
}

package correlate

import (
	"context"
	"sync"
	"testing"
	"time"

	"argus/core"
	"argus/detect"
	"argus/execution"
	"argus/threat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	engine     *Engine
	rules      *detect.RuleEngine
	indicators *threat.IndicatorStore
	clock      time.Time
	mu         sync.Mutex
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T, rules ...core.DetectionRule) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	fx := &fixture{clock: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	fx.rules = detect.NewRuleEngine(detect.Config{}, logger)
	require.NoError(t, fx.rules.SetRules(rules))
	fx.indicators = threat.NewIndicatorStore(threat.NewMemoryRepository(), logger)
	fx.engine = NewEngine(Config{}, fx.rules, NewMemoryAlertStore(), fx.indicators, logger)
	fx.engine.now = func() time.Time {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return fx.clock
	}
	return fx
}

func lokiHighScore() core.DetectionRule {
	return core.DetectionRule{
		ID:       "loki-high-score",
		Name:     "Loki high score",
		Type:     core.RuleTypeSignature,
		Severity: core.SeverityHigh,
		Tools:    []string{"loki"},
		Predicates: []core.Predicate{
			{Field: "score", Op: core.OpGreaterEq, Value: 100},
		},
		Indicators: []core.IndicatorField{{Field: "md5", Type: core.IndicatorTypeMD5}},
		Tags:       []string{"malware"},
		Enabled:    true,
	}
}

func lokiFinding(id, execID, md5 string, score int) *core.Finding {
	return &core.Finding{
		ID:          id,
		ExecutionID: execID,
		ToolID:      "loki",
		CaseID:      "case-7",
		Fields:      map[string]interface{}{"score": score, "md5": md5},
	}
}

const md5A = "0123456789abcdef0123456789abcdef"

func TestIngestFinding_CreatesAlertAndRegistersIndicators(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	ctx := context.Background()

	alerts, err := fx.engine.IngestFinding(ctx, lokiFinding("f1", "e1", md5A, 150))
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "loki-high-score", a.RuleID)
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.Equal(t, core.AlertStatusNew, a.Status)
	assert.Equal(t, "Loki high score", a.Title)
	assert.Equal(t, "case-7", a.CaseID)
	assert.Equal(t, 1, a.FiringCount)
	assert.Equal(t, []string{"e1"}, a.ExecutionIDs)
	assert.Equal(t, []string{"f1"}, a.FindingIDs)
	assert.Equal(t, []core.IndicatorRef{{Type: core.IndicatorTypeMD5, Value: md5A}}, a.Indicators)
	assert.NotEmpty(t, a.Fingerprint)

	ind, err := fx.indicators.Find(ctx, core.IndicatorTypeMD5, md5A)
	require.NoError(t, err)
	assert.Equal(t, core.SeverityHigh, ind.ThreatLevel)
	assert.Equal(t, 75.0, ind.Confidence)
	assert.ElementsMatch(t, []string{"malware", "rule:loki-high-score"}, ind.Tags)

	stored, err := fx.engine.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, stored.Fingerprint)
}

func TestIngestFinding_NoMatch(t *testing.T) {
	fx := newFixture(t, lokiHighScore())

	alerts, err := fx.engine.IngestFinding(context.Background(), lokiFinding("f1", "e1", md5A, 20))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	other := lokiFinding("f2", "e2", md5A, 500)
	other.ToolID = "volatility"
	alerts, err = fx.engine.IngestFinding(context.Background(), other)
	require.NoError(t, err)
	assert.Empty(t, alerts, "tool-scoped rule must not match other tools")
}

func TestIngestFinding_Deduplicates(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	ctx := context.Background()

	first, err := fx.engine.IngestFinding(ctx, lokiFinding("f1", "e1", md5A, 150))
	require.NoError(t, err)
	fx.advance(10 * time.Minute)
	// same indicator in different case spelling yields the same fingerprint
	second, err := fx.engine.IngestFinding(ctx, lokiFinding("f2", "e2", "0123456789ABCDEF0123456789ABCDEF", 120))
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].FiringCount)
	assert.Equal(t, []string{"e1", "e2"}, second[0].ExecutionIDs)
	assert.Equal(t, []string{"f1", "f2"}, second[0].FindingIDs)
	assert.Equal(t, fx.clock, second[0].LastFiredAt)

	ind, err := fx.indicators.Find(ctx, core.IndicatorTypeMD5, md5A)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ind.SeenCount)

	all, err := fx.engine.ListAlerts(ctx, core.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	stats := fx.engine.RuleStats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(2), stats[0].Matches)
	assert.Equal(t, uint64(1), stats[0].AlertsCreated)
	assert.Equal(t, uint64(1), stats[0].Deduplicated)
}

func TestIngestFinding_DedupBucketExpires(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	ctx := context.Background()

	first, err := fx.engine.IngestFinding(ctx, lokiFinding("f1", "e1", md5A, 150))
	require.NoError(t, err)
	fx.advance(61 * time.Minute)
	second, err := fx.engine.IngestFinding(ctx, lokiFinding("f2", "e2", md5A, 150))
	require.NoError(t, err)

	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Fingerprint, second[0].Fingerprint)
}

func TestIngestFinding_ClosedAlertIsNotReused(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	ctx := context.Background()

	first, err := fx.engine.IngestFinding(ctx, lokiFinding("f1", "e1", md5A, 150))
	require.NoError(t, err)
	_, err = fx.engine.SetStatus(ctx, first[0].ID, core.AlertStatusResolved)
	require.NoError(t, err)

	second, err := fx.engine.IngestFinding(ctx, lokiFinding("f2", "e2", md5A, 150))
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, core.AlertStatusNew, second[0].Status)
}

func TestIngestFinding_DifferentIndicatorsAreSeparateAlerts(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	ctx := context.Background()

	a, err := fx.engine.IngestFinding(ctx, lokiFinding("f1", "e1", md5A, 150))
	require.NoError(t, err)
	b, err := fx.engine.IngestFinding(ctx, lokiFinding("f2", "e1", "ffffffffffffffffffffffffffffffff", 150))
	require.NoError(t, err)
	assert.NotEqual(t, a[0].ID, b[0].ID)
}

func TestIngestFinding_ThresholdFirings(t *testing.T) {
	rule := core.DetectionRule{
		ID:           "failed-logins",
		Name:         "Failed login burst",
		Type:         core.RuleTypeThreshold,
		Severity:     core.SeverityCritical,
		BaseSeverity: core.SeverityMedium,
		Predicates:   []core.Predicate{{Field: "event", Op: core.OpEquals, Value: "logon_failure"}},
		Threshold:    &core.ThresholdSpec{Window: 5 * time.Minute, Count: 3, GroupBy: []string{"user"}},
		Enabled:      true,
	}
	fx := newFixture(t, rule)
	ctx := context.Background()

	var fired []*core.Alert
	for i := 0; i < 6; i++ {
		f := &core.Finding{
			ExecutionID: "e1",
			ToolID:      "evtx",
			Fields:      map[string]interface{}{"event": "logon_failure", "user": "admin"},
		}
		alerts, err := fx.engine.IngestFinding(ctx, f)
		require.NoError(t, err)
		fired = append(fired, alerts...)
		fx.advance(time.Second)
	}

	require.Len(t, fired, 2)
	assert.NotEqual(t, fired[0].ID, fired[1].ID, "each threshold firing is its own alert")
	assert.Equal(t, core.SeverityMedium, fired[0].Severity)
	assert.Contains(t, fired[0].Description, "3 matching findings within 5m0s for admin")
	assert.Len(t, fired[0].FindingIDs, 3)
	assert.Equal(t, []string{"e1"}, fired[0].ExecutionIDs)
}

func TestSetStatus(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	ctx := context.Background()

	alerts, err := fx.engine.IngestFinding(ctx, lokiFinding("f1", "e1", md5A, 150))
	require.NoError(t, err)
	id := alerts[0].ID

	a, err := fx.engine.SetStatus(ctx, id, core.AlertStatusInvestigating)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusInvestigating, a.Status)

	_, err = fx.engine.SetStatus(ctx, id, core.AlertStatusNew)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = fx.engine.SetStatus(ctx, id, "bogus")
	assert.ErrorIs(t, err, core.ErrValidation)

	a, err = fx.engine.SetStatus(ctx, id, core.AlertStatusFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusFalsePositive, a.Status)

	_, err = fx.engine.SetStatus(ctx, id, core.AlertStatusResolved)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = fx.engine.SetStatus(ctx, "missing", core.AlertStatusResolved)
	assert.ErrorIs(t, err, core.ErrNotFound)

	stats := fx.engine.RuleStats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].FalsePositives)
}

func TestRuleStats_ErrorsAndReload(t *testing.T) {
	broken := core.DetectionRule{
		ID:         "broken",
		Type:       core.RuleTypeSignature,
		Severity:   core.SeverityLow,
		Predicates: []core.Predicate{{Field: "score", Op: core.OpGreater, Value: "lots"}},
		Enabled:    true,
	}
	fx := newFixture(t, lokiHighScore(), broken)
	ctx := context.Background()

	alerts, err := fx.engine.IngestFinding(ctx, lokiFinding("f1", "e1", md5A, 150))
	require.NoError(t, err)
	assert.Len(t, alerts, 1, "a failing rule must not stop the others")

	stats := fx.engine.RuleStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "broken", stats[0].RuleID)
	assert.Equal(t, uint64(1), stats[0].Errors)
	assert.Equal(t, uint64(1), stats[1].Matches)

	// counters survive a reload that drops and changes rules
	changed := lokiHighScore()
	changed.Name = "Renamed"
	require.NoError(t, fx.rules.SetRules([]core.DetectionRule{changed}))
	stats = fx.engine.RuleStats()
	require.Len(t, stats, 2)
	assert.False(t, stats[0].Loaded)
	assert.Equal(t, uint64(1), stats[0].Errors)
	assert.True(t, stats[1].Loaded)
	assert.Equal(t, "Renamed", stats[1].Name)
	assert.Equal(t, uint64(1), stats[1].Matches)
}

func TestRaiseAnomalyAlert(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	a, err := fx.engine.RaiseAnomalyAlert(ctx, AnomalyAlert{
		Score:      0.8,
		Title:      "Unusual outbound volume",
		CaseID:     "case-1",
		Indicators: []core.IndicatorRef{{Type: core.IndicatorTypeIP, Value: "203.0.113.9"}},
	})
	require.NoError(t, err)
	assert.Empty(t, a.RuleID)
	require.NotNil(t, a.AnomalyScore)
	assert.Equal(t, 0.8, *a.AnomalyScore)
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.NoError(t, a.Validate())

	ind, err := fx.indicators.Find(ctx, core.IndicatorTypeIP, "203.0.113.9")
	require.NoError(t, err)
	assert.Contains(t, ind.Tags, "anomaly")

	again, err := fx.engine.RaiseAnomalyAlert(ctx, AnomalyAlert{Score: 0.8, Title: "Unusual outbound volume"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, again.ID)

	_, err = fx.engine.RaiseAnomalyAlert(ctx, AnomalyAlert{Score: 1.5, Title: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = fx.engine.RaiseAnomalyAlert(ctx, AnomalyAlert{Score: 0.5})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestScoreSeverity(t *testing.T) {
	assert.Equal(t, core.SeverityInfo, ScoreSeverity(0.1))
	assert.Equal(t, core.SeverityLow, ScoreSeverity(0.25))
	assert.Equal(t, core.SeverityMedium, ScoreSeverity(0.6))
	assert.Equal(t, core.SeverityHigh, ScoreSeverity(0.75))
	assert.Equal(t, core.SeverityCritical, ScoreSeverity(1))
}

func TestRegisterIndicator(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var created []*core.Indicator
	fx.indicators.OnCreated(func(ind *core.Indicator) { created = append(created, ind) })

	in := core.IndicatorInput{Type: core.IndicatorTypeDomain, Value: "Evil.Example.", Confidence: 40, Tags: []string{"c2"}}
	ind, err := fx.engine.RegisterIndicator(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "evil.example", ind.Normalized)

	in.Confidence = 20
	in.Tags = []string{"phishing"}
	ind, err = fx.engine.RegisterIndicator(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 40.0, ind.Confidence)
	assert.Equal(t, []string{"c2", "phishing"}, ind.Tags)
	assert.Len(t, created, 1)

	_, err = fx.engine.RegisterIndicator(ctx, core.IndicatorInput{Type: core.IndicatorTypeIP, Value: "not-an-ip"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestOnExecutionCompleted(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	ctx := context.Background()

	err := fx.engine.OnExecutionCompleted(ctx, execution.CompletionEvent{
		Execution: &core.ToolExecution{ID: "e1", ToolID: "loki"},
		Findings: []core.Finding{
			*lokiFinding("f1", "e1", md5A, 150),
			*lokiFinding("f2", "e1", md5A, 10),
			*lokiFinding("f3", "e1", md5A, 300),
		},
	})
	require.NoError(t, err)

	alerts, err := fx.engine.ListAlerts(ctx, core.AlertFilter{RuleID: "loki-high-score"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].FiringCount)
	assert.Equal(t, []string{"f1", "f3"}, alerts[0].FindingIDs)
}

func TestIngestFinding_AssignsIDs(t *testing.T) {
	fx := newFixture(t, lokiHighScore())
	f := lokiFinding("", "e1", md5A, 150)

	alerts, err := fx.engine.IngestFinding(context.Background(), f)
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, fx.clock, f.Timestamp)
	assert.Equal(t, []string{f.ID}, alerts[0].FindingIDs)

	_, err = fx.engine.IngestFinding(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t)
	fx.engine.cfg.SweepInterval = 5 * time.Millisecond
	fx.engine.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	fx.engine.Stop()
	fx.engine.Stop()
}

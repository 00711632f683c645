package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"argus/core"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(MemoryPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative", "data/argus.db", false},
		{"absolute", "/var/lib/argus/argus.db", false},
		{"memory", MemoryPath, false},
		{"empty", "", true},
		{"traversal", "../argus.db", true},
		{"nested traversal", "data/../../argus.db", true},
		{"null byte", "argus\x00.db", true},
		{"query", "argus.db?mode=ro", true},
		{"too long", strings.Repeat("a", 513), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDatabasePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSQLite_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "argus.db")
	db, err := NewSQLite(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	assert.NotSame(t, db.WriteDB, db.ReadDB)
	require.NoError(t, db.HealthCheck(context.Background()))

	var mode string
	require.NoError(t, db.ReadDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))

	_, err = db.ReadDB.Exec("DELETE FROM alerts")
	assert.Error(t, err, "read pool must be query only")
}

func TestWithTransaction_RollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO alerts (id, severity, severity_rank, title, status, created_at, updated_at, last_fired_at, fingerprint)
			VALUES ('a1', 'low', 1, 't', 'new', 'x', 'x', 'x', 'fp')`)
		require.NoError(t, err)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	var n int
	require.NoError(t, db.ReadDB.QueryRow("SELECT COUNT(*) FROM alerts").Scan(&n))
	assert.Zero(t, n)

	assert.Panics(t, func() {
		_ = db.WithTransaction(ctx, func(tx *sql.Tx) error { panic("boom") })
	})
	require.NoError(t, db.HealthCheck(ctx))
}

func TestExecutionStore_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteExecutionStore(db, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	started := created.Add(time.Second)
	completed := started.Add(2 * time.Second)
	code := 3
	output := make([]core.OutputLine, 0, 500)
	for i := 0; i < 500; i++ {
		output = append(output, core.OutputLine{Seq: int64(i), Stream: core.StreamStdout, Text: "line of tool output", Timestamp: started})
	}
	exec := &core.ToolExecution{
		ID:              "exec-1",
		ToolID:          "yara",
		Parameters:      map[string]interface{}{"rules": "default", "depth": float64(2)},
		Target:          core.Target{Surface: core.SurfaceLocal, Destination: "/evidence/disk.img"},
		CaseID:          "case-7",
		TimeoutSeconds:  60,
		Status:          core.ExecutionStatusFailed,
		CreatedAt:       created,
		StartedAt:       &started,
		CompletedAt:     &completed,
		Output:          output,
		OutputTruncated: true,
		Result:          map[string]interface{}{"matches": []interface{}{"a", "b"}},
		ExitCode:        &code,
		Error:           "exit status 3",
	}
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, exec, got)

	_, err = store.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestExecutionStore_List(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteExecutionStore(db, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, spec := range []struct {
		tool, caseID string
		status       core.ExecutionStatus
	}{
		{"nmap", "c1", core.ExecutionStatusSucceeded},
		{"yara", "c1", core.ExecutionStatusFailed},
		{"nmap", "c2", core.ExecutionStatusSucceeded},
	} {
		require.NoError(t, store.SaveExecution(ctx, &core.ToolExecution{
			ID:             string(rune('a' + i)),
			ToolID:         spec.tool,
			CaseID:         spec.caseID,
			Target:         core.Target{Surface: core.SurfaceLocal, Destination: "host"},
			TimeoutSeconds: 10,
			Status:         spec.status,
			CreatedAt:      base.Add(time.Duration(2-i) * time.Minute),
		}))
	}

	all, err := store.ListExecutions(ctx, core.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Nil(t, all[0].Output)
	assert.Nil(t, all[0].ExitCode)

	nmap, err := store.ListExecutions(ctx, core.ExecutionFilter{ToolID: "nmap", Status: core.ExecutionStatusSucceeded})
	require.NoError(t, err)
	assert.Len(t, nmap, 2)

	limited, err := store.ListExecutions(ctx, core.ExecutionFilter{CaseID: "c1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].ID)
}

func TestIndicatorRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteIndicatorRepository(db, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	conf := 0.8

	ip := &core.Indicator{
		ID: "i1", Type: core.IndicatorTypeIP, Value: "10.0.0.1", Normalized: "10.0.0.1",
		ThreatLevel: core.SeverityHigh, Confidence: 80, Tags: []string{"c2", "rule:r1"},
		Enrichment: map[string]core.EnrichmentRecord{
			"reputation": {Payload: map[string]interface{}{"score": float64(90)}, Confidence: &conf, FetchedAt: base},
		},
		FirstSeen: base, LastSeen: base.Add(time.Hour), SeenCount: 3,
	}
	domain := &core.Indicator{
		ID: "i2", Type: core.IndicatorTypeDomain, Value: "Evil.Example", Normalized: "evil.example",
		ThreatLevel: core.SeverityLow, Confidence: 20, Tags: []string{},
		FirstSeen: base, LastSeen: base.Add(2 * time.Hour), SeenCount: 1,
	}
	retired := &core.Indicator{
		ID: "i3", Type: core.IndicatorTypeIP, Value: "10.0.0.2", Normalized: "10.0.0.2",
		ThreatLevel: core.SeverityMedium, Confidence: 50, Tags: []string{core.TagDeprecated},
		FirstSeen: base, LastSeen: base.Add(3 * time.Hour), SeenCount: 1,
	}
	for _, ind := range []*core.Indicator{ip, domain, retired} {
		require.NoError(t, repo.SaveIndicator(ctx, ind))
	}

	got, err := repo.GetIndicator(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, ip, got)

	found, err := repo.FindIndicator(ctx, core.IndicatorTypeDomain, "evil.example")
	require.NoError(t, err)
	assert.Equal(t, "i2", found.ID)
	assert.Nil(t, found.Enrichment)

	_, err = repo.FindIndicator(ctx, core.IndicatorTypeDomain, "10.0.0.1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = repo.GetIndicator(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	ip.SeenCount = 4
	ip.Tags = append(ip.Tags, "phishing")
	require.NoError(t, repo.SaveIndicator(ctx, ip))
	got, err = repo.GetIndicator(ctx, "i1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.SeenCount)
	assert.Contains(t, got.Tags, "phishing")

	dup := ip.Clone()
	dup.ID = "i9"
	assert.Error(t, repo.SaveIndicator(ctx, dup), "type and normalized value are unique")

	active, err := repo.ListIndicators(ctx, core.IndicatorFilter{})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "i2", active[0].ID)

	withRetired, err := repo.ListIndicators(ctx, core.IndicatorFilter{IncludeDeprecated: true})
	require.NoError(t, err)
	require.Len(t, withRetired, 3)
	assert.Equal(t, "i3", withRetired[0].ID)

	tagged, err := repo.ListIndicators(ctx, core.IndicatorFilter{Tag: "c2"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "i1", tagged[0].ID)

	confident, err := repo.ListIndicators(ctx, core.IndicatorFilter{Type: core.IndicatorTypeIP, MinConfidence: 60})
	require.NoError(t, err)
	require.Len(t, confident, 1)
	assert.Equal(t, "i1", confident[0].ID)
}

func TestAlertStore(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteAlertStore(db, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	score := 0.92

	ruleAlert := &core.Alert{
		ID: "a1", RuleID: "r1", Severity: core.SeverityMedium, Title: "Suspicious binary",
		Description: "matched", Status: core.AlertStatusNew,
		Indicators: []core.IndicatorRef{{Type: core.IndicatorTypeSHA256, Value: strings.Repeat("a", 64)}},
		CreatedAt:  base, UpdatedAt: base, LastFiredAt: base, FiringCount: 2, CaseID: "c1",
		ExecutionIDs: []string{"e1", "e2"}, FindingIDs: []string{"f1"}, Fingerprint: "fp1",
	}
	investigating := &core.Alert{
		ID: "a2", RuleID: "r1", Severity: core.SeverityHigh, Title: "Suspicious binary",
		Status: core.AlertStatusInvestigating, CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
		LastFiredAt: base.Add(time.Minute), FiringCount: 1, Fingerprint: "fp1",
	}
	resolved := &core.Alert{
		ID: "a3", RuleID: "r1", Severity: core.SeverityLow, Title: "Suspicious binary",
		Status: core.AlertStatusResolved, CreatedAt: base.Add(2 * time.Minute), UpdatedAt: base.Add(2 * time.Minute),
		LastFiredAt: base.Add(2 * time.Minute), FiringCount: 1, Fingerprint: "fp1",
	}
	anomaly := &core.Alert{
		ID: "a4", AnomalyScore: &score, Severity: core.SeverityCritical, Title: "Anomalous beaconing",
		Status: core.AlertStatusNew, CreatedAt: base.Add(3 * time.Minute), UpdatedAt: base.Add(3 * time.Minute),
		LastFiredAt: base.Add(3 * time.Minute), FiringCount: 1, Fingerprint: "anomaly:a4",
	}
	for _, a := range []*core.Alert{ruleAlert, investigating, resolved, anomaly} {
		require.NoError(t, store.SaveAlert(ctx, a))
	}

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ruleAlert, got)

	got, err = store.GetAlert(ctx, "a4")
	require.NoError(t, err)
	require.NotNil(t, got.AnomalyScore)
	assert.InDelta(t, 0.92, *got.AnomalyScore, 1e-9)
	assert.Nil(t, got.ExecutionIDs)

	_, err = store.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	active, err := store.FindActiveAlert(ctx, "fp1", base)
	require.NoError(t, err)
	assert.Equal(t, "a2", active.ID)

	_, err = store.FindActiveAlert(ctx, "fp1", base.Add(90*time.Second))
	assert.ErrorIs(t, err, core.ErrNotFound)

	all, err := store.ListAlerts(ctx, core.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a4", all[0].ID)

	severe, err := store.ListAlerts(ctx, core.AlertFilter{MinSeverity: core.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, severe, 2)
	assert.Equal(t, "a4", severe[0].ID)
	assert.Equal(t, "a2", severe[1].ID)

	byRule, err := store.ListAlerts(ctx, core.AlertFilter{RuleID: "r1", Status: core.AlertStatusNew, CaseID: "c1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, byRule, 1)
	assert.Equal(t, "a1", byRule[0].ID)

	require.NoError(t, ruleAlert.TransitionTo(core.AlertStatusInvestigating))
	require.NoError(t, store.SaveAlert(ctx, ruleAlert))
	got, err = store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusInvestigating, got.Status)
}

func TestCompressOutput(t *testing.T) {
	blob, err := compressOutput(nil)
	require.NoError(t, err)
	assert.Nil(t, blob)

	lines := []core.OutputLine{{Seq: 1, Stream: core.StreamStderr, Text: strings.Repeat("x", 4096)}}
	blob, err = compressOutput(lines)
	require.NoError(t, err)
	assert.Less(t, len(blob), 4096)

	back, err := decompressOutput(blob)
	require.NoError(t, err)
	assert.Equal(t, lines, back)

	_, err = decompressOutput([]byte("not zstd"))
	assert.Error(t, err)
}

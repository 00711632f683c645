package correlate

import (
	"context"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAlertStore_FindActiveAlert(t *testing.T) {
	s := NewMemoryAlertStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	old := &core.Alert{ID: "a1", RuleID: "r", Severity: core.SeverityLow, Status: core.AlertStatusNew, Fingerprint: "fp", CreatedAt: base}
	newer := &core.Alert{ID: "a2", RuleID: "r", Severity: core.SeverityLow, Status: core.AlertStatusInvestigating, Fingerprint: "fp", CreatedAt: base.Add(time.Minute)}
	closed := &core.Alert{ID: "a3", RuleID: "r", Severity: core.SeverityLow, Status: core.AlertStatusResolved, Fingerprint: "fp", CreatedAt: base.Add(2 * time.Minute)}
	for _, a := range []*core.Alert{old, newer, closed} {
		require.NoError(t, s.SaveAlert(ctx, a))
	}

	got, err := s.FindActiveAlert(ctx, "fp", base)
	require.NoError(t, err)
	assert.Equal(t, "a2", got.ID)

	_, err = s.FindActiveAlert(ctx, "fp", base.Add(90*time.Second))
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.FindActiveAlert(ctx, "other", base)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryAlertStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryAlertStore()
	ctx := context.Background()
	a := &core.Alert{ID: "a1", Status: core.AlertStatusNew, ExecutionIDs: []string{"e1"}}
	require.NoError(t, s.SaveAlert(ctx, a))

	a.ExecutionIDs[0] = "mutated"
	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, got.ExecutionIDs)

	_, err = s.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryAlertStore_ListAlerts(t *testing.T) {
	s := NewMemoryAlertStore()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, sev := range []core.Severity{core.SeverityLow, core.SeverityHigh, core.SeverityCritical} {
		require.NoError(t, s.SaveAlert(ctx, &core.Alert{
			ID:        string(rune('a' + i)),
			Severity:  sev,
			Status:    core.AlertStatusNew,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := s.ListAlerts(ctx, core.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	severe, err := s.ListAlerts(ctx, core.AlertFilter{MinSeverity: core.SeverityHigh, Limit: 1})
	require.NoError(t, err)
	require.Len(t, severe, 1)
	assert.Equal(t, "c", severe[0].ID)
}

package detect

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const oneRule = `
rules:
  - id: first
    type: signature
    severity: low
    predicates: [{field: a, op: exists}]
`

const twoRules = oneRule + `
  - id: second
    type: signature
    severity: high
    predicates: [{field: b, op: exists}]
`

func TestRuleWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.yaml", oneRule)

	engine := newTestEngine(t)
	w, err := NewRuleWatcher(dir, engine, 20*time.Millisecond, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	var reloads atomic.Int32
	w.OnReload(func(*LoadResult) { reloads.Add(1) })

	_, err = w.Reload()
	require.NoError(t, err)
	require.Len(t, engine.Rules(), 1)

	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	writeFile(t, dir, "rules.yaml", twoRules)
	assert.Eventually(t, func() bool { return len(engine.Rules()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(2))
}

func TestRuleWatcher_KeepsRulesOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.yaml", twoRules)

	engine := newTestEngine(t)
	w, err := NewRuleWatcher(path, engine, 20*time.Millisecond, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	_, err = w.Reload()
	require.NoError(t, err)

	var reloads atomic.Int32
	w.OnReload(func(*LoadResult) { reloads.Add(1) })
	require.NoError(t, w.Start(context.Background()))

	writeFile(t, dir, "rules.yaml", "rules: [")
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, engine.Rules(), 2)
	assert.Equal(t, int32(0), reloads.Load())

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

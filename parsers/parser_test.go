package parsers

import (
	"testing"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLokiParser_SingleAlert(t *testing.T) {
	raw := RawOutput{
		ToolID: "loki",
		Stdout: []string{
			"[INFO] Starting Loki Scan VERSION: 0.51.0",
			"[ALERT] FILE: /tmp/evil/mimikatz.exe SCORE: 150 TYPE: EXE MD5: D41D8CD98F00B204E9800998ECF8427E REASON_1: Yara Rule MATCH: HKTL_Mimikatz",
			"[RESULT] Results: 1 alerts, 0 warnings, 0 notices",
		},
	}

	result, err := LokiParser{}.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, result["alerts"])
	assert.Equal(t, 0, result["warnings"])

	matches := result["matches"].([]interface{})
	require.Len(t, matches, 1)
	match := matches[0].(map[string]interface{})
	assert.Equal(t, "/tmp/evil/mimikatz.exe", match["file"])
	assert.Equal(t, 150, match["score"])
	assert.Equal(t, "Yara Rule", match["reason_1"])
	assert.Equal(t, "HKTL_Mimikatz", match["match"])

	findings := ExtractFindings(result)
	require.Len(t, findings, 1)
	assert.ElementsMatch(t, []core.IndicatorRef{
		{Type: core.IndicatorTypeFileName, Value: "mimikatz.exe"},
		{Type: core.IndicatorTypeMD5, Value: "d41d8cd98f00b204e9800998ecf8427e"},
	}, findings[0].Indicators)
}

func TestLokiParser_TimestampPrefixAndWarnings(t *testing.T) {
	raw := RawOutput{Stdout: []string{
		"20240101T10:00:00Z [WARNING] FILE: C:\\Users\\bob\\dropper.ps1 SCORE: 70",
		"20240101T10:00:01Z [NOTICE] Results: 0 alerts, 1 warnings",
	}}

	result, err := LokiParser{}.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, result["alerts"])
	assert.Equal(t, 1, result["warnings"])
	assert.Equal(t, 1, result["notices"])

	refs := ExtractFindings(result)[0].Indicators
	require.Len(t, refs, 1)
	assert.Equal(t, "dropper.ps1", refs[0].Value)
}

func TestLokiParser_Errors(t *testing.T) {
	_, err := LokiParser{}.Parse(RawOutput{})
	assert.ErrorIs(t, err, core.ErrParse)

	_, err = LokiParser{}.Parse(RawOutput{Stderr: []string{"python: can't open file 'loki.py'"}})
	assert.ErrorIs(t, err, core.ErrParse)
}

func TestJSONParser(t *testing.T) {
	result, err := JSONParser{}.Parse(RawOutput{Stdout: []string{`{"open_ports": [22, 443],`, `"host": "10.0.0.1"}`}})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", result["host"])

	result, err = JSONParser{}.Parse(RawOutput{Stdout: []string{`[{"a": 1}, {"a": 2}]`}})
	require.NoError(t, err)
	assert.Len(t, ExtractFindings(result), 2)

	result, err = JSONParser{}.Parse(RawOutput{Stdout: []string{`{"a": 1}`, `garbage`, `{"a": 2, "indicators": [{"type": "ip", "value": "10.0.0.2"}]}`}})
	require.NoError(t, err)
	findings := ExtractFindings(result)
	require.Len(t, findings, 2)
	assert.Equal(t, []core.IndicatorRef{{Type: core.IndicatorTypeIP, Value: "10.0.0.2"}}, findings[1].Indicators)

	for _, bad := range [][]string{nil, {"{}"}, {"[]"}, {"42"}, {"not json"}} {
		_, err := JSONParser{}.Parse(RawOutput{Stdout: bad})
		assert.ErrorIs(t, err, core.ErrParse, "input %v", bad)
	}
}

func TestKeyValueParser(t *testing.T) {
	result, err := KeyValueParser{}.Parse(RawOutput{Stdout: []string{
		"# breach lookup",
		"Breaches: 3",
		"email=victim@example.com",
		"this line has no separator",
		"first seen: 2019",
	}})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result["breaches"])
	assert.Equal(t, "victim@example.com", result["email"])
	assert.NotContains(t, result, "first seen")

	_, err = KeyValueParser{}.Parse(RawOutput{Stdout: []string{"nothing useful"}})
	assert.ErrorIs(t, err, core.ErrParse)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"json", "keyvalue", "loki"}, r.IDs())

	_, ok := r.Get("loki")
	assert.True(t, ok)
	_, ok = r.Get("nmap")
	assert.False(t, ok)

	require.NoError(t, r.Alias("thor", "loki"))
	_, ok = r.Get("thor")
	assert.True(t, ok)
	assert.Error(t, r.Alias("x", "missing"))

	r.Register("custom", ParserFunc(func(raw RawOutput) (map[string]interface{}, error) {
		return map[string]interface{}{"lines": len(raw.Stdout)}, nil
	}))
	p, ok := r.Get("custom")
	require.True(t, ok)
	result, err := p.Parse(RawOutput{Stdout: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, result["lines"])
}

func TestExtractFindings(t *testing.T) {
	assert.Nil(t, ExtractFindings(nil))

	single := ExtractFindings(map[string]interface{}{"k": "v", "indicators": []interface{}{
		map[string]interface{}{"type": "domain", "value": "evil.com"},
		map[string]interface{}{"type": "bogus", "value": "x"},
		"not a map",
	}})
	require.Len(t, single, 1)
	assert.Equal(t, []core.IndicatorRef{{Type: core.IndicatorTypeDomain, Value: "evil.com"}}, single[0].Indicators)

	fallback := ExtractFindings(map[string]interface{}{"findings": []interface{}{"x", 1}})
	require.Len(t, fallback, 1, "a findings list without objects falls back to the whole result")
}

func TestNewRawOutput(t *testing.T) {
	raw := NewRawOutput("loki", []core.OutputLine{
		{Stream: core.StreamStdout, Text: "out"},
		{Stream: core.StreamStderr, Text: "err"},
	}, 2)
	assert.Equal(t, []string{"out"}, raw.Stdout)
	assert.Equal(t, []string{"err"}, raw.Stderr)
	assert.Equal(t, 2, raw.ExitCode)
	assert.False(t, raw.IsEmpty())
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"argus/config"
	"argus/core"
	"argus/correlate"
	"argus/detect"
	"argus/execution"
	"argus/threat"
)

type fakeExecutions struct {
	mu        sync.Mutex
	execs     map[string]*core.ToolExecution
	submitted []core.ExecutionRequest
	cancelled []string
	submitErr error
	// applied when a request leaves the timeout at zero
	defaultTimeout int
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{execs: make(map[string]*core.ToolExecution)}
}

func (f *fakeExecutions) Submit(ctx context.Context, req core.ExecutionRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = f.defaultTimeout
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("exec-%d", len(f.submitted)+1)
	f.submitted = append(f.submitted, req)
	f.execs[id] = &core.ToolExecution{
		ID:             id,
		ToolID:         req.ToolID,
		Target:         req.Target,
		CaseID:         req.CaseID,
		TimeoutSeconds: req.TimeoutSeconds,
		Status:         core.ExecutionStatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	return id, nil
}

func (f *fakeExecutions) GetStatus(id string, includeOutput bool) (*core.ToolExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	c := *e
	if !includeOutput {
		c.Output = nil
	}
	return &c, nil
}

func (f *fakeExecutions) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	f.cancelled = append(f.cancelled, id)
	e.Status = core.ExecutionStatusCancelled
	return nil
}

func (f *fakeExecutions) StreamOutput(ctx context.Context, id string) (<-chan core.OutputLine, error) {
	e, err := f.GetStatus(id, true)
	if err != nil {
		return nil, err
	}
	return execution.ReplayLines(ctx, e.Output), nil
}

func (f *fakeExecutions) List(ctx context.Context, filter core.ExecutionFilter) ([]*core.ToolExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.ToolExecution
	for _, e := range f.execs {
		if filter.Matches(e) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeExecutions) Queues() []execution.QueueStats {
	return []execution.QueueStats{{Key: "local/loki", Pending: 1, Running: 2, MaxConcurrent: 3}}
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(ctx context.Context) error { return h.err }

type testServer struct {
	api        *API
	srv        *httptest.Server
	executions *fakeExecutions
	engine     *correlate.Engine
	indicators *threat.IndicatorStore
}

func testAPIConfig() config.APIConfig {
	cfg := config.APIConfig{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           8090,
		AllowedOrigins: []string{"http://localhost:3000"},
		BodyLimit:      1 << 20,
	}
	cfg.RateLimit.RequestsPerSecond = 100000
	cfg.RateLimit.Burst = 100000
	return cfg
}

func setupTestAPI(t *testing.T, cfg config.APIConfig) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	rules := detect.NewRuleEngine(detect.Config{}, logger)
	require.NoError(t, rules.SetRules([]core.DetectionRule{{
		ID:         "loki-high-score",
		Name:       "Loki high score",
		Type:       core.RuleTypeSignature,
		Severity:   core.SeverityHigh,
		Tools:      []string{"loki"},
		Predicates: []core.Predicate{{Field: "score", Op: core.OpGreaterEq, Value: 100}},
		Enabled:    true,
	}}))
	indicators := threat.NewIndicatorStore(threat.NewMemoryRepository(), logger)
	engine := correlate.NewEngine(correlate.Config{}, rules, correlate.NewMemoryAlertStore(), indicators, logger)
	execs := newFakeExecutions()

	a := NewAPI(Services{
		Executions: execs,
		Alerts:     engine,
		Indicators: indicators,
		Health:     fakeHealth{},
	}, cfg, logger)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Stop(context.Background())
	})
	return &testServer{api: a, srv: srv, executions: execs, engine: engine, indicators: indicators}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			raw = string(b)
		}
		reader = bytes.NewReader([]byte(raw))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitBody() map[string]interface{} {
	return map[string]interface{}{
		"tool_id":         "loki",
		"target":          map[string]interface{}{"destination": "/evidence/disk.img"},
		"case_id":         "case-1",
		"timeout_seconds": 60,
	}
}

func TestSubmitExecution(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())

	resp := ts.do(t, "POST", "/api/v1/executions", submitBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	exec := decode[core.ToolExecution](t, resp)
	assert.Equal(t, "exec-1", exec.ID)
	assert.Equal(t, core.ExecutionStatusQueued, exec.Status)
	assert.Equal(t, "/api/v1/executions/exec-1", resp.Header.Get("Location"))

	require.Len(t, ts.executions.submitted, 1)
	assert.Equal(t, core.SurfaceLocal, ts.executions.submitted[0].Target.Surface)
}

func TestSubmitExecution_ZeroTimeoutUsesToolDefault(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())
	ts.executions.defaultTimeout = 900

	b := submitBody()
	delete(b, "timeout_seconds")
	resp := ts.do(t, "POST", "/api/v1/executions", b)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	exec := decode[core.ToolExecution](t, resp)
	assert.Equal(t, 900, exec.TimeoutSeconds)
	require.Len(t, ts.executions.submitted, 1)
	assert.Equal(t, 900, ts.executions.submitted[0].TimeoutSeconds)
}

func TestSubmitExecution_Errors(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		body   string
		err    error
		status int
	}{
		{name: "missing tool", mutate: func(b map[string]interface{}) { delete(b, "tool_id") }, status: http.StatusBadRequest},
		{name: "zero timeout without tool default", mutate: func(b map[string]interface{}) { b["timeout_seconds"] = 0 }, status: http.StatusBadRequest},
		{name: "negative timeout", mutate: func(b map[string]interface{}) { b["timeout_seconds"] = -5 }, status: http.StatusBadRequest},
		{name: "timeout over a week", mutate: func(b map[string]interface{}) { b["timeout_seconds"] = 604801 }, status: http.StatusBadRequest},
		{name: "empty destination", mutate: func(b map[string]interface{}) {
			b["target"] = map[string]interface{}{"destination": ""}
		}, status: http.StatusBadRequest},
		{name: "remote without agent", mutate: func(b map[string]interface{}) {
			b["target"] = map[string]interface{}{"surface": "remote_agent", "destination": "host"}
		}, status: http.StatusBadRequest},
		{name: "unknown field", mutate: func(b map[string]interface{}) { b["priority"] = 1 }, status: http.StatusBadRequest},
		{name: "malformed", body: "{", status: http.StatusBadRequest},
		{name: "tool not installed", err: &core.ToolNotInstalledError{ToolID: "loki"}, status: http.StatusUnprocessableEntity},
		{name: "internal", err: errors.New("disk on fire"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.executions.submitErr = tt.err
			defer func() { ts.executions.submitErr = nil }()

			var body interface{} = tt.body
			if tt.body == "" {
				b := submitBody()
				if tt.mutate != nil {
					tt.mutate(b)
				}
				body = b
			}
			resp := ts.do(t, "POST", "/api/v1/executions", body)
			assert.Equal(t, tt.status, resp.StatusCode)

			e := decode[errorResponse](t, resp)
			assert.NotEmpty(t, e.Error)
			assert.NotEmpty(t, e.RequestID)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, e.Error, "disk on fire")
			}
		})
	}
}

func TestGetListCancelExecution(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())
	ts.do(t, "POST", "/api/v1/executions", submitBody())
	ts.executions.execs["exec-1"].Output = []core.OutputLine{{Seq: 1, Stream: core.StreamStdout, Text: "hello"}}

	resp := ts.do(t, "GET", "/api/v1/executions/exec-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[core.ToolExecution](t, resp).Output)

	resp = ts.do(t, "GET", "/api/v1/executions/exec-1?include_output=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[core.ToolExecution](t, resp).Output, 1)

	resp = ts.do(t, "GET", "/api/v1/executions/exec-1?include_output=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/executions?case_id=case-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]core.ToolExecution](t, resp), 1)

	resp = ts.do(t, "GET", "/api/v1/executions?case_id=other", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]core.ToolExecution](t, resp))

	resp = ts.do(t, "GET", "/api/v1/executions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/executions/exec-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, core.ExecutionStatusCancelled, decode[core.ToolExecution](t, resp).Status)
	assert.Equal(t, []string{"exec-1"}, ts.executions.cancelled)

	resp = ts.do(t, "POST", "/api/v1/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/queues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "local/loki", decode[[]execution.QueueStats](t, resp)[0].Key)
}

func withOutput(t *testing.T, ts *testServer, n int) {
	t.Helper()
	ts.do(t, "POST", "/api/v1/executions", submitBody())
	lines := make([]core.OutputLine, n)
	for i := range lines {
		lines[i] = core.OutputLine{Seq: int64(i + 1), Stream: core.StreamStdout, Text: fmt.Sprintf("line %d", i+1)}
	}
	ts.executions.mu.Lock()
	ts.executions.execs["exec-1"].Output = lines
	ts.executions.mu.Unlock()
}

func TestStreamOutput_NDJSON(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())
	withOutput(t, ts, 3)

	resp := ts.do(t, "GET", "/api/v1/executions/exec-1/output", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var got []core.OutputLine
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line core.OutputLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		got = append(got, line)
	}
	require.Len(t, got, 3)
	for i, line := range got {
		assert.Equal(t, int64(i+1), line.Seq)
	}

	resp = ts.do(t, "GET", "/api/v1/executions/missing/output", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamOutput_WebSocket(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())
	withOutput(t, ts, 5)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/v1/executions/exec-1/output"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var got []core.OutputLine
	for {
		var line core.OutputLine
		if err := conn.ReadJSON(&line); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, line)
	}
	require.Len(t, got, 5)
	assert.Equal(t, "line 5", got[4].Text)
}

func TestIngestFindingAndAlertLifecycle(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())

	finding := map[string]interface{}{
		"execution_id": "exec-9",
		"tool_id":      "loki",
		"case_id":      "case-1",
		"fields":       map[string]interface{}{"score": 150, "file": "/tmp/x"},
	}
	resp := ts.do(t, "POST", "/api/v1/findings", finding)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ingested := decode[IngestFindingResponse](t, resp)
	assert.NotEmpty(t, ingested.FindingID)
	require.Len(t, ingested.Alerts, 1)
	alertID := ingested.Alerts[0].ID

	resp = ts.do(t, "POST", "/api/v1/findings", map[string]interface{}{"tool_id": "loki"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/alerts/"+alertID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alert := decode[core.Alert](t, resp)
	assert.Equal(t, core.AlertStatusNew, alert.Status)
	assert.Equal(t, core.SeverityHigh, alert.Severity)

	resp = ts.do(t, "GET", "/api/v1/alerts?min_severity=critical", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]core.Alert](t, resp))

	resp = ts.do(t, "GET", "/api/v1/alerts?case_id=case-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]core.Alert](t, resp), 1)

	resp = ts.do(t, "GET", "/api/v1/alerts?status=closed", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "PUT", "/api/v1/alerts/"+alertID+"/status", AlertStatusRequest{Status: core.AlertStatusResolved})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.AlertStatusResolved, decode[core.Alert](t, resp).Status)

	resp = ts.do(t, "PUT", "/api/v1/alerts/"+alertID+"/status", AlertStatusRequest{Status: core.AlertStatusNew})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, "PUT", "/api/v1/alerts/"+alertID+"/status", `{"status":"closed"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/alerts/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/rules/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[[]correlate.RuleStats](t, resp)
	require.Len(t, stats, 1)
	assert.Equal(t, "loki-high-score", stats[0].RuleID)
	assert.EqualValues(t, 1, stats[0].Matches)
}

func TestRaiseAnomalyAlert(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())

	resp := ts.do(t, "POST", "/api/v1/alerts/anomaly", correlate.AnomalyAlert{
		Score:      0.93,
		Title:      "Unusual process tree",
		CaseID:     "case-1",
		Indicators: []core.IndicatorRef{{Type: core.IndicatorTypeIP, Value: "203.0.113.7"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	alert := decode[core.Alert](t, resp)
	require.NotNil(t, alert.AnomalyScore)
	assert.InDelta(t, 0.93, *alert.AnomalyScore, 1e-9)

	resp = ts.do(t, "POST", "/api/v1/alerts/anomaly", correlate.AnomalyAlert{Score: 1.5, Title: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/alerts/anomaly", correlate.AnomalyAlert{Score: 0.5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndicatorEndpoints(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())

	body := CreateIndicatorRequest{
		Type:        core.IndicatorTypeDomain,
		Value:       "Evil.Example.COM",
		ThreatLevel: core.SeverityHigh,
		Confidence:  80,
		Tags:        []string{"c2"},
	}
	resp := ts.do(t, "POST", "/api/v1/indicators", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[IndicatorResponse](t, resp)
	assert.True(t, created.Created)
	assert.Equal(t, "evil.example.com", created.Normalized)

	resp = ts.do(t, "POST", "/api/v1/indicators", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[IndicatorResponse](t, resp)
	assert.False(t, again.Created)
	assert.Equal(t, created.ID, again.ID)
	assert.EqualValues(t, 2, again.SeenCount)

	resp = ts.do(t, "POST", "/api/v1/indicators", CreateIndicatorRequest{Type: core.IndicatorTypeIP, Value: "not-an-ip"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/indicators", CreateIndicatorRequest{Type: core.IndicatorTypeIP, Value: "10.0.0.1", Confidence: 101})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/indicators/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/indicators?type=domain&tag=c2&min_confidence=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]core.Indicator](t, resp), 1)

	resp = ts.do(t, "GET", "/api/v1/indicators?min_confidence=200", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/indicators/"+created.ID+"/deprecate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decode[core.Indicator](t, resp).Tags, core.TagDeprecated)

	resp = ts.do(t, "GET", "/api/v1/indicators", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]core.Indicator](t, resp))

	resp = ts.do(t, "GET", "/api/v1/indicators?include_deprecated=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]core.Indicator](t, resp), 1)

	resp = ts.do(t, "POST", "/api/v1/indicators/missing/deprecate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())

	resp := ts.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]interface{}](t, resp)["status"])

	ts.api.health = fakeHealth{err: errors.New("database is locked")}
	resp = ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = ts.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "argus_http_requests_total")
}

func TestMiddleware(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.Burst = 2
	cfg.BodyLimit = 64
	ts := setupTestAPI(t, cfg)

	big := submitBody()
	big["case_id"] = strings.Repeat("x", 200)
	resp := ts.do(t, "POST", "/api/v1/executions", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	req, _ := http.NewRequest("GET", ts.srv.URL+"/health", nil)
	id := "7b0c2f9e-3c1a-4a4e-9f38-5d1c8a3e2b10"
	req.Header.Set(requestIDHeader, id)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, id, resp.Header.Get(requestIDHeader))

	resp = ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	assert.Equal(t, 1, ts.api.pruneRateLimiters(time.Now().Add(time.Minute)))
}

func TestCORS(t *testing.T) {
	ts := setupTestAPI(t, testAPIConfig())

	req, _ := http.NewRequest("OPTIONS", ts.srv.URL+"/api/v1/executions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest("GET", ts.srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForError(core.NewValidationError("x", "y")))
	assert.Equal(t, http.StatusNotFound, statusForError(fmt.Errorf("wrap: %w", core.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, statusForError(core.ErrInvalidTransition))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForError(&core.ToolNotInstalledError{ToolID: "t"}))
	assert.Equal(t, http.StatusServiceUnavailable, statusForError(execution.ErrOrchestratorClosed))
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("boom")))
}

func TestSanitizeErrorMessage(t *testing.T) {
	msg := sanitizeErrorMessage("dial redis://user:pw@10.0.0.5:6379 failed, token=abc123")
	assert.NotContains(t, msg, "pw@")
	assert.NotContains(t, msg, "abc123")
	assert.Len(t, sanitizeErrorMessage(strings.Repeat("a", 2000)), maxErrorMessageLength)
}

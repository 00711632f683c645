package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"argus/api"
	"argus/core"
	"argus/execution"
)

// maxErrorBody caps how much of a non-JSON error response is shown
const maxErrorBody = 512

// APIError is a non-2xx response from the Argus API
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (HTTP %d, request %s)", e.Message, e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// apiClient calls the Argus HTTP API
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach Argus at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}

	var body struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		if body.RequestID != "" {
			apiErr.RequestID = body.RequestID
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *apiClient) submitExecution(ctx context.Context, req api.SubmitExecutionRequest) (*core.ToolExecution, error) {
	var exec core.ToolExecution
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions", nil, req, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *apiClient) getExecution(ctx context.Context, id string, includeOutput bool) (*core.ToolExecution, error) {
	query := url.Values{}
	if includeOutput {
		query.Set("include_output", "true")
	}
	var exec core.ToolExecution
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), query, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *apiClient) cancelExecution(ctx context.Context, id string) (*core.ToolExecution, error) {
	var exec core.ToolExecution
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *apiClient) listQueues(ctx context.Context) ([]execution.QueueStats, error) {
	var stats []execution.QueueStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues", nil, nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *apiClient) listAlerts(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.MinSeverity != "" {
		query.Set("min_severity", string(filter.MinSeverity))
	}
	if filter.RuleID != "" {
		query.Set("rule_id", filter.RuleID)
	}
	if filter.CaseID != "" {
		query.Set("case_id", filter.CaseID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var alerts []*core.Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts", query, nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *apiClient) setAlertStatus(ctx context.Context, id string, status core.AlertStatus) (*core.Alert, error) {
	var alert core.Alert
	body := api.AlertStatusRequest{Status: status}
	if err := c.do(ctx, http.MethodPut, "/api/v1/alerts/"+url.PathEscape(id)+"/status", nil, body, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

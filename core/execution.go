package core

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus represents the lifecycle state of a tool execution
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// AllExecutionStatuses lists every valid execution status
var AllExecutionStatuses = []ExecutionStatus{
	ExecutionStatusQueued, ExecutionStatusRunning, ExecutionStatusSucceeded,
	ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled,
}

// IsValid checks if the execution status is known
func (s ExecutionStatus) IsValid() bool {
	for _, valid := range AllExecutionStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	}
	return false
}

// validExecutionTransitions defines the execution state machine.
// queued -> failed is reserved for tools that disappear between submit and admission.
var validExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusQueued: {ExecutionStatusRunning, ExecutionStatusCancelled, ExecutionStatusFailed},
	ExecutionStatusRunning: {
		ExecutionStatusSucceeded, ExecutionStatusFailed,
		ExecutionStatusTimeout, ExecutionStatusCancelled,
	},
	ExecutionStatusSucceeded: {},
	ExecutionStatusFailed:    {},
	ExecutionStatusTimeout:   {},
	ExecutionStatusCancelled: {},
}

// CanTransitionExecution checks if an execution may move from one status to another
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, s := range validExecutionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Surface is where a tool runs
type Surface string

const (
	SurfaceLocal       Surface = "local"
	SurfaceRemoteAgent Surface = "remote_agent"
)

// IsValid checks if the surface is known
func (s Surface) IsValid() bool {
	return s == SurfaceLocal || s == SurfaceRemoteAgent
}

// Target is the host, domain, path or tenant a tool acts upon
type Target struct {
	Surface     Surface `json:"surface"`
	AgentID     string  `json:"agent_id,omitempty"`
	Destination string  `json:"destination"`
}

// Kind identifies the execution surface of a target for queue partitioning
func (t Target) Kind() string {
	if t.Surface == SurfaceRemoteAgent {
		return fmt.Sprintf("%s:%s", t.Surface, t.AgentID)
	}
	return string(SurfaceLocal)
}

// Validate checks that a target is usable
func (t Target) Validate() error {
	if strings.TrimSpace(t.Destination) == "" {
		return NewValidationError("target.destination", "must not be empty")
	}
	switch t.Surface {
	case SurfaceLocal, "":
	case SurfaceRemoteAgent:
		if strings.TrimSpace(t.AgentID) == "" {
			return NewValidationError("target.agent_id", "required for remote_agent targets")
		}
	default:
		return NewValidationError("target.surface", fmt.Sprintf("unknown surface %q", t.Surface))
	}
	return nil
}

// OutputStream names the stream a line of output came from
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// OutputLine is one line of captured tool output
type OutputLine struct {
	Seq       int64        `json:"seq"`
	Stream    OutputStream `json:"stream"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

// ExecutionRequest is what a caller submits
type ExecutionRequest struct {
	ToolID         string                 `json:"tool_id"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Target         Target                 `json:"target"`
	CaseID         string                 `json:"case_id,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
}

// Validate checks the request shape. Tool resolution happens separately.
func (r *ExecutionRequest) Validate() error {
	if strings.TrimSpace(r.ToolID) == "" {
		return NewValidationError("tool_id", "must not be empty")
	}
	if err := r.Target.Validate(); err != nil {
		return err
	}
	if r.TimeoutSeconds <= 0 {
		return NewValidationError("timeout_seconds", "must be positive")
	}
	return nil
}

// ToolExecution is one invocation of a tool against a target
type ToolExecution struct {
	ID              string                 `json:"id"`
	ToolID          string                 `json:"tool_id"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Target          Target                 `json:"target"`
	CaseID          string                 `json:"case_id,omitempty"`
	TimeoutSeconds  int                    `json:"timeout_seconds"`
	Status          ExecutionStatus        `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Output          []OutputLine           `json:"output,omitempty"`
	OutputTruncated bool                   `json:"output_truncated,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Timeout returns the watchdog duration
func (e *ToolExecution) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Duration returns wall time spent running, zero if never started
func (e *ToolExecution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return end.Sub(*e.StartedAt)
}

// Clone returns a deep copy. Output is only copied when includeOutput is set.
func (e *ToolExecution) Clone(includeOutput bool) *ToolExecution {
	c := *e
	c.Parameters = CloneMap(e.Parameters)
	c.Result = CloneMap(e.Result)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.ExitCode != nil {
		code := *e.ExitCode
		c.ExitCode = &code
	}
	c.Output = nil
	if includeOutput && len(e.Output) > 0 {
		c.Output = make([]OutputLine, len(e.Output))
		copy(c.Output, e.Output)
	}
	return &c
}

// CloneMap deep-copies a JSON-like map
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}

// ExecutionFilter selects executions for listing. Zero fields match everything.
type ExecutionFilter struct {
	CaseID string          `json:"case_id,omitempty"`
	ToolID string          `json:"tool_id,omitempty"`
	Status ExecutionStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Matches reports whether e satisfies the filter
func (f ExecutionFilter) Matches(e *ToolExecution) bool {
	if f.CaseID != "" && e.CaseID != f.CaseID {
		return false
	}
	if f.ToolID != "" && e.ToolID != f.ToolID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

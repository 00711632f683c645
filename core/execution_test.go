package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ExecutionRequest
		field   string
		wantErr bool
	}{
		{
			name: "valid local request",
			req:  ExecutionRequest{ToolID: "loki", Target: Target{Destination: "/evidence/host1"}, TimeoutSeconds: 60},
		},
		{
			name: "valid remote request",
			req: ExecutionRequest{ToolID: "loki", TimeoutSeconds: 60,
				Target: Target{Surface: SurfaceRemoteAgent, AgentID: "agent-1", Destination: "C:\\"}},
		},
		{
			name:    "empty target",
			req:     ExecutionRequest{ToolID: "loki", Target: Target{Destination: "  "}, TimeoutSeconds: 60},
			field:   "target.destination",
			wantErr: true,
		},
		{
			name:    "zero timeout",
			req:     ExecutionRequest{ToolID: "loki", Target: Target{Destination: "host"}, TimeoutSeconds: 0},
			field:   "timeout_seconds",
			wantErr: true,
		},
		{
			name:    "negative timeout",
			req:     ExecutionRequest{ToolID: "loki", Target: Target{Destination: "host"}, TimeoutSeconds: -5},
			field:   "timeout_seconds",
			wantErr: true,
		},
		{
			name:    "remote without agent",
			req:     ExecutionRequest{ToolID: "loki", Target: Target{Surface: SurfaceRemoteAgent, Destination: "host"}, TimeoutSeconds: 5},
			field:   "target.agent_id",
			wantErr: true,
		},
		{
			name:    "empty tool",
			req:     ExecutionRequest{Target: Target{Destination: "host"}, TimeoutSeconds: 5},
			field:   "tool_id",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCanTransitionExecution(t *testing.T) {
	assert.True(t, CanTransitionExecution(ExecutionStatusQueued, ExecutionStatusRunning))
	assert.True(t, CanTransitionExecution(ExecutionStatusQueued, ExecutionStatusCancelled))
	assert.True(t, CanTransitionExecution(ExecutionStatusRunning, ExecutionStatusTimeout))
	assert.False(t, CanTransitionExecution(ExecutionStatusQueued, ExecutionStatusSucceeded))
	assert.False(t, CanTransitionExecution(ExecutionStatusRunning, ExecutionStatusQueued))

	for _, terminal := range []ExecutionStatus{
		ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled,
	} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range AllExecutionStatuses {
			assert.False(t, CanTransitionExecution(terminal, to), "%s -> %s must be rejected", terminal, to)
		}
	}
}

func TestTarget_Kind(t *testing.T) {
	assert.Equal(t, "local", Target{Destination: "x"}.Kind())
	assert.Equal(t, "remote_agent:a1", Target{Surface: SurfaceRemoteAgent, AgentID: "a1", Destination: "x"}.Kind())
}

func TestToolExecution_CloneIsDeep(t *testing.T) {
	started := time.Now().UTC()
	code := 3
	exec := &ToolExecution{
		ID:         "e1",
		Parameters: map[string]interface{}{"paths": []interface{}{"/tmp"}},
		Result:     map[string]interface{}{"nested": map[string]interface{}{"k": "v"}},
		StartedAt:  &started,
		ExitCode:   &code,
		Output:     []OutputLine{{Seq: 1, Stream: StreamStdout, Text: "hello"}},
	}

	withOutput := exec.Clone(true)
	withoutOutput := exec.Clone(false)

	require.Len(t, withOutput.Output, 1)
	assert.Empty(t, withoutOutput.Output)

	withOutput.Result["nested"].(map[string]interface{})["k"] = "changed"
	withOutput.Parameters["paths"].([]interface{})[0] = "/etc"
	*withOutput.ExitCode = 9

	assert.Equal(t, "v", exec.Result["nested"].(map[string]interface{})["k"])
	assert.Equal(t, "/tmp", exec.Parameters["paths"].([]interface{})[0])
	assert.Equal(t, 3, *exec.ExitCode)
}

func TestErrorTaxonomy_Unwrap(t *testing.T) {
	assert.ErrorIs(t, NewParseError("loki", "empty"), ErrParse)
	assert.ErrorIs(t, &ToolNotInstalledError{ToolID: "x"}, ErrToolNotInstalled)
	assert.ErrorIs(t, &TransitionError{From: "a", To: "b"}, ErrInvalidTransition)
	assert.ErrorIs(t, NewValidationError("f", "r"), ErrValidation)
	assert.Contains(t, (&ToolNotInstalledError{ToolID: "loki", Path: "/opt/loki"}).Error(), "/opt/loki")
}

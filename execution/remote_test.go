package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"argus/agent"
	"argus/core"
	"argus/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeAgent plays an agent: script decides what it sends for each command
type fakeAgent struct {
	mu          sync.Mutex
	commands    []agent.Command
	cancelled   []string
	streams     map[string]chan agent.Message
	script      func(cmd agent.Command, out chan<- agent.Message)
	dispatchErr error
}

func newFakeAgent(script func(cmd agent.Command, out chan<- agent.Message)) *fakeAgent {
	return &fakeAgent{streams: make(map[string]chan agent.Message), script: script}
}

func (f *fakeAgent) Dispatch(ctx context.Context, agentID string, cmd agent.Command) (<-chan agent.Message, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return nil, nil, f.dispatchErr
	}
	f.commands = append(f.commands, cmd)
	ch := make(chan agent.Message, 64)
	f.streams[cmd.Token] = ch
	go f.script(cmd, ch)
	return ch, func() {}, nil
}

func (f *fakeAgent) Cancel(ctx context.Context, agentID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, token)
	if ch, ok := f.streams[token]; ok {
		ch <- agent.Message{Kind: agent.MessageCancelAck, Token: token}
	}
	return nil
}

func remoteRequest(toolID string) core.ExecutionRequest {
	return core.ExecutionRequest{
		ToolID:         toolID,
		Target:         core.Target{Surface: core.SurfaceRemoteAgent, AgentID: "agent-7", Destination: "WS-0042"},
		TimeoutSeconds: 30,
	}
}

func remoteTool() registry.Tool {
	return registry.Tool{
		ID:      "velociraptor",
		Surface: core.SurfaceRemoteAgent,
		Path:    `C:\tools\velociraptor.exe`,
		Args:    []string{"collect", "{{.Target}}"},
		Parser:  "json",
	}
}

func newRemoteOrchestrator(t *testing.T, fa *fakeAgent, heartbeat time.Duration) (*Orchestrator, *eventRecorder) {
	launcher := NewRemoteLauncher(fa, heartbeat, 200*time.Millisecond, zaptest.NewLogger(t).Sugar())
	return newTestOrchestrator(t, []registry.Tool{remoteTool()}, WithLauncher(core.SurfaceRemoteAgent, launcher))
}

func TestRemoteExecution_Succeeds(t *testing.T) {
	fa := newFakeAgent(func(cmd agent.Command, out chan<- agent.Message) {
		out <- agent.Message{Kind: agent.MessageOutput, Token: cmd.Token, Stream: core.StreamStdout, Text: "{\"artifact\": \"Windows.System.Pslist\"}\n"}
		out <- agent.Message{Kind: agent.MessageHeartbeat, Token: cmd.Token}
		out <- agent.Message{Kind: agent.MessageCompleted, Token: cmd.Token, ExitCode: 0}
	})
	o, _ := newRemoteOrchestrator(t, fa, time.Second)

	id, err := o.Submit(context.Background(), remoteRequest("velociraptor"))
	require.NoError(t, err)

	exec := waitFor(t, o, id)
	assert.Equal(t, core.ExecutionStatusSucceeded, exec.Status)
	assert.Equal(t, "Windows.System.Pslist", exec.Result["artifact"])

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.Len(t, fa.commands, 1)
	assert.Equal(t, []string{"collect", "WS-0042"}, fa.commands[0].Args)
	assert.Equal(t, id, fa.commands[0].ExecutionID)
}

func TestRemoteExecution_AgentUnreachable(t *testing.T) {
	fa := newFakeAgent(func(cmd agent.Command, out chan<- agent.Message) {})
	o, _ := newRemoteOrchestrator(t, fa, 100*time.Millisecond)

	id, err := o.Submit(context.Background(), remoteRequest("velociraptor"))
	require.NoError(t, err)

	exec := waitFor(t, o, id)
	assert.Equal(t, core.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "unreachable")
}

func TestRemoteExecution_CancelWaitsForAck(t *testing.T) {
	fa := newFakeAgent(func(cmd agent.Command, out chan<- agent.Message) {
		out <- agent.Message{Kind: agent.MessageOutput, Token: cmd.Token, Text: "collecting"}
	})
	o, _ := newRemoteOrchestrator(t, fa, 10*time.Second)

	id, err := o.Submit(context.Background(), remoteRequest("velociraptor"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		exec, _ := o.GetStatus(id, false)
		return exec.Status == core.ExecutionStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Cancel(id))
	exec := waitFor(t, o, id)
	assert.Equal(t, core.ExecutionStatusCancelled, exec.Status)

	fa.mu.Lock()
	defer fa.mu.Unlock()
	assert.Len(t, fa.cancelled, 1)
}

func TestRemoteExecution_DispatchFailure(t *testing.T) {
	fa := newFakeAgent(nil)
	fa.dispatchErr = errors.New("agent rejected command: unknown tool")
	o, _ := newRemoteOrchestrator(t, fa, time.Second)

	id, err := o.Submit(context.Background(), remoteRequest("velociraptor"))
	require.NoError(t, err)

	exec := waitFor(t, o, id)
	assert.Equal(t, core.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "failed to start")
}

package execution

import (
	"context"
	"sync"
	"time"

	"argus/core"
	"argus/registry"
)

// job is the in-memory state of one execution. exec is guarded by mu; output
// has its own lock and is never accessed while holding it from the other side.
type job struct {
	id     string
	tool   registry.Tool
	queue  *queue
	output *OutputBuffer

	// ctx is cancelled by Cancel or Shutdown, never by the submitting caller
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	exec *core.ToolExecution
}

func newJob(parent context.Context, exec *core.ToolExecution, tool registry.Tool, maxLines int) *job {
	ctx, cancel := context.WithCancel(parent)
	return &job{
		id:     exec.ID,
		tool:   tool,
		output: NewOutputBuffer(maxLines),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		exec:   exec,
	}
}

// markRunning moves a queued job to running
func (j *job) markRunning(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !core.CanTransitionExecution(j.exec.Status, core.ExecutionStatusRunning) {
		return false
	}
	j.exec.Status = core.ExecutionStatusRunning
	j.exec.StartedAt = &now
	return true
}

// outcome is the terminal state recorded by finish
type outcome struct {
	status   core.ExecutionStatus
	exitCode *int
	result   map[string]interface{}
	err      string
}

// complete applies a terminal outcome once. The output is sealed first so the
// recorded lines are final. It returns a snapshot including output, or nil if
// the job was already terminal.
func (j *job) complete(o outcome, now time.Time) *core.ToolExecution {
	j.output.Seal()

	j.mu.Lock()
	defer j.mu.Unlock()
	if !core.CanTransitionExecution(j.exec.Status, o.status) {
		return nil
	}
	j.exec.Status = o.status
	j.exec.CompletedAt = &now
	j.exec.ExitCode = o.exitCode
	j.exec.Result = o.result
	j.exec.Error = o.err
	j.exec.Output = j.output.Lines()
	j.exec.OutputTruncated = j.output.Truncated()
	close(j.done)
	j.cancel()
	return j.exec.Clone(true)
}

func (j *job) snapshot(includeOutput bool) *core.ToolExecution {
	j.mu.Lock()
	defer j.mu.Unlock()

	c := j.exec.Clone(includeOutput)
	if !j.exec.Status.IsTerminal() {
		c.OutputTruncated = j.output.Truncated()
		if includeOutput {
			c.Output = j.output.Lines()
		}
	}
	return c
}

func (j *job) status() core.ExecutionStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exec.Status
}

func (j *job) completedAt() *time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exec.CompletedAt
}

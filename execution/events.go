package execution

import (
	"context"

	"argus/core"
)

// CompletionEvent is emitted once per execution when it reaches a terminal state
type CompletionEvent struct {
	Execution *core.ToolExecution
	Findings  []core.Finding
}

// CompletionListener receives completion events. Listeners are called
// sequentially, in registration order, on a goroutine owned by the execution.
type CompletionListener interface {
	OnExecutionCompleted(ctx context.Context, ev CompletionEvent) error
}

// ListenerFunc adapts a function to CompletionListener
type ListenerFunc func(ctx context.Context, ev CompletionEvent) error

// OnExecutionCompleted implements CompletionListener
func (f ListenerFunc) OnExecutionCompleted(ctx context.Context, ev CompletionEvent) error {
	return f(ctx, ev)
}

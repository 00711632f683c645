package execution

import (
	"context"
	"time"

	"argus/core"
	"argus/registry"
)

// LaunchSpec is everything a launcher needs to start one execution
type LaunchSpec struct {
	ExecutionID string
	Tool        registry.Tool
	Args        []string
	Target      core.Target
	Parameters  map[string]interface{}
}

// Launcher starts tool processes on one execution surface
type Launcher interface {
	// Launch starts the tool and streams its output into out. ctx only
	// bounds the start itself; the returned Process outlives it.
	Launch(ctx context.Context, spec LaunchSpec, out *OutputBuffer) (Process, error)
}

// Process is a started tool run
type Process interface {
	// Wait blocks until the run ends and all of its output has been appended.
	// A non-zero exit code is not an error.
	Wait() (exitCode int, err error)
	// Terminate asks the run to stop and forces it after grace
	Terminate(grace time.Duration) error
}

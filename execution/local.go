package execution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"argus/core"

	"go.uber.org/zap"
)

// maxLineBytes bounds a single output line; the rest of an overlong stream is discarded
const maxLineBytes = 1 << 20

// LocalLauncher runs tools as child processes in their own process group
type LocalLauncher struct {
	logger *zap.SugaredLogger
}

// NewLocalLauncher creates a launcher for the local surface
func NewLocalLauncher(logger *zap.SugaredLogger) *LocalLauncher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalLauncher{logger: logger}
}

// Launch implements Launcher
func (l *LocalLauncher) Launch(ctx context.Context, spec LaunchSpec, out *OutputBuffer) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Tool.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Tool.Env...)
	cmd.Stdin = nil
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &localProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: l.logger.With("execution_id", spec.ExecutionID, "pid", cmd.Process.Pid),
	}
	p.readers.Add(2)
	go p.pump(stdout, core.StreamStdout, out)
	go p.pump(stderr, core.StreamStderr, out)
	go func() {
		p.readers.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.logger.Debugw("Started local process", "path", spec.Tool.Path, "args", spec.Args)
	return p, nil
}

type localProcess struct {
	cmd     *exec.Cmd
	readers sync.WaitGroup
	done    chan struct{}
	waitErr error
	logger  *zap.SugaredLogger
}

func (p *localProcess) pump(r io.Reader, stream core.OutputStream, out *OutputBuffer) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		out.Append(stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		out.Append(stream, fmt.Sprintf("[argus] %s read error, remainder discarded: %v", stream, err))
		_, _ = io.Copy(io.Discard, r)
	}
}

// Wait implements Process
func (p *localProcess) Wait() (int, error) {
	<-p.done
	if p.waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(p.waitErr, &exitErr) {
			return -1, p.waitErr
		}
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

// Terminate signals the whole process group, escalating to a kill after grace
func (p *localProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminateGroup(p.cmd.Process); err != nil {
		p.logger.Warnw("Failed to signal process group", "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	p.logger.Warnw("Process group ignored termination, killing", "grace", grace)
	if err := killGroup(p.cmd.Process); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"argus/agent"
	"argus/core"
	"argus/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAgentUnreachable is recorded when a remote agent stops sending messages
var ErrAgentUnreachable = errors.New("remote agent unreachable")

// AgentTransport carries commands to remote agents and their messages back
type AgentTransport interface {
	// Dispatch delivers cmd to the agent and returns the stream of messages for
	// cmd.Token. stop releases the subscription.
	Dispatch(ctx context.Context, agentID string, cmd agent.Command) (msgs <-chan agent.Message, stop func(), err error)
	// Cancel asks the agent to stop the command identified by token
	Cancel(ctx context.Context, agentID, token string) error
}

// RemoteLauncher runs tools through a remote agent
type RemoteLauncher struct {
	transport        AgentTransport
	heartbeatTimeout time.Duration
	cancelAckTimeout time.Duration
	logger           *zap.SugaredLogger
}

// NewRemoteLauncher creates a launcher for the remote_agent surface
func NewRemoteLauncher(transport AgentTransport, heartbeatTimeout, cancelAckTimeout time.Duration, logger *zap.SugaredLogger) *RemoteLauncher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	if cancelAckTimeout <= 0 {
		cancelAckTimeout = 10 * time.Second
	}
	return &RemoteLauncher{
		transport:        transport,
		heartbeatTimeout: heartbeatTimeout,
		cancelAckTimeout: cancelAckTimeout,
		logger:           logger,
	}
}

// Launch implements Launcher
func (l *RemoteLauncher) Launch(ctx context.Context, spec LaunchSpec, out *OutputBuffer) (Process, error) {
	cmd := agent.Command{
		Token:       uuid.New().String(),
		ExecutionID: spec.ExecutionID,
		ToolID:      spec.Tool.ID,
		Path:        spec.Tool.Path,
		Args:        spec.Args,
		Env:         spec.Tool.Env,
		Destination: spec.Target.Destination,
	}

	msgs, stop, err := l.transport.Dispatch(ctx, spec.Target.AgentID, cmd)
	if err != nil {
		return nil, fmt.Errorf("dispatch to agent %s: %w", spec.Target.AgentID, err)
	}

	p := &remoteProcess{
		agentID:  spec.Target.AgentID,
		token:    cmd.Token,
		launcher: l,
		stopRecv: stop,
		logger:   l.logger.With("execution_id", spec.ExecutionID, "agent_id", spec.Target.AgentID, "token", cmd.Token),
		done:     make(chan struct{}),
		ack:      make(chan struct{}),
		abort:    make(chan error, 1),
		exitCode: -1,
	}

	go p.consume(msgs, out)

	p.logger.Debugw("Dispatched command to agent", "tool_id", spec.Tool.ID)
	return p, nil
}

type remoteProcess struct {
	agentID  string
	token    string
	launcher *RemoteLauncher
	stopRecv func()
	logger   *zap.SugaredLogger

	done     chan struct{}
	ack      chan struct{}
	ackOnce  sync.Once
	abort    chan error
	exitCode int
	err      error
}

func (p *remoteProcess) consume(msgs <-chan agent.Message, out *OutputBuffer) {
	defer close(p.done)
	defer p.stopRecv()

	heartbeat := time.NewTimer(p.launcher.heartbeatTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-p.abort:
			p.err = err
			return

		case <-heartbeat.C:
			p.err = fmt.Errorf("%w: no message for %s", ErrAgentUnreachable, p.launcher.heartbeatTimeout)
			return

		case msg, ok := <-msgs:
			if !ok {
				p.err = fmt.Errorf("%w: message stream closed", ErrAgentUnreachable)
				return
			}
			metrics.AgentMessages.WithLabelValues(string(msg.Kind)).Inc()
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(p.launcher.heartbeatTimeout)

			switch msg.Kind {
			case agent.MessageOutput:
				stream := msg.Stream
				if stream == "" {
					stream = core.StreamStdout
				}
				for _, line := range strings.Split(strings.TrimRight(msg.Text, "\n"), "\n") {
					out.Append(stream, strings.TrimRight(line, "\r"))
				}
			case agent.MessageHeartbeat:
			case agent.MessageCancelAck:
				p.ackOnce.Do(func() { close(p.ack) })
			case agent.MessageCompleted:
				p.exitCode = msg.ExitCode
				if msg.Error != "" {
					p.err = fmt.Errorf("agent %s: %s", p.agentID, msg.Error)
				}
				return
			case agent.MessageRejected:
				p.err = fmt.Errorf("agent %s rejected command: %s", p.agentID, msg.Error)
				return
			default:
				p.logger.Warnw("Ignoring unknown agent message", "kind", msg.Kind)
			}
		}
	}
}

// Wait implements Process
func (p *remoteProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

// Terminate sends a cancel and waits for the agent's acknowledgement, or for
// the cancel-ack timeout if the agent is unreachable, then stops listening
func (p *remoteProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.launcher.cancelAckTimeout)
	defer cancel()

	sendErr := p.launcher.transport.Cancel(ctx, p.agentID, p.token)
	if sendErr != nil {
		p.logger.Warnw("Failed to send cancel to agent", "error", sendErr)
	} else {
		select {
		case <-p.ack:
		case <-p.done:
			return nil
		case <-ctx.Done():
			p.logger.Warnw("Agent did not acknowledge cancel", "timeout", p.launcher.cancelAckTimeout)
		}
	}

	select {
	case p.abort <- core.ErrCancelled:
	default:
	}
	return sendErr
}

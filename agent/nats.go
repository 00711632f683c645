package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"argus/core"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// ConnectTimeout bounds the initial connection
	ConnectTimeout = 10 * time.Second
	// ReconnectWait is the pause between reconnect attempts
	ReconnectWait = 2 * time.Second
	// streamBuffer is the per-command message buffer
	streamBuffer = 256
)

// ErrTransient marks dispatch failures worth one retry
var ErrTransient = errors.New("transient agent transport error")

// NATSConfig configures the NATS transport
type NATSConfig struct {
	URL            string
	Name           string
	Token          string
	Username       string
	Password       string
	MaxReconnects  int
	CircuitBreaker core.CircuitBreakerConfig
}

// NATSTransport dispatches commands to agents over NATS
type NATSTransport struct {
	conn     *nats.Conn
	cbConfig core.CircuitBreakerConfig
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

// NewNATSTransport connects to NATS
func NewNATSTransport(cfg NATSConfig, logger *zap.SugaredLogger) (*NATSTransport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Name == "" {
		cfg.Name = "argus-orchestrator"
	}
	if cfg.CircuitBreaker.Validate() != nil {
		cfg.CircuitBreaker = core.DefaultCircuitBreakerConfig()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnw("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Infow("Connected to NATS", "url", conn.ConnectedUrl())
	return newNATSTransport(conn, cfg.CircuitBreaker, logger), nil
}

func newNATSTransport(conn *nats.Conn, cb core.CircuitBreakerConfig, logger *zap.SugaredLogger) *NATSTransport {
	return &NATSTransport{
		conn:     conn,
		cbConfig: cb,
		logger:   logger,
		breakers: make(map[string]*core.CircuitBreaker),
	}
}

func (t *NATSTransport) breaker(agentID string) *core.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[agentID]
	if !ok {
		cb, _ = core.NewCircuitBreaker(t.cbConfig)
		t.breakers[agentID] = cb
	}
	return cb
}

// Dispatch subscribes to the command's stream and delivers the command to the
// agent. The agent must reply with accepted or rejected.
func (t *NATSTransport) Dispatch(ctx context.Context, agentID string, cmd Command) (<-chan Message, func(), error) {
	cb := t.breaker(agentID)
	if err := cb.Allow(); err != nil {
		return nil, nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	raw := make(chan *nats.Msg, streamBuffer)
	sub, err := t.conn.ChanSubscribe(StreamSubject(cmd.Token), raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to agent stream: %w", err)
	}

	payload, err := Encode(cmd)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, err
	}

	reply, err := t.conn.RequestWithContext(ctx, DispatchSubject(agentID), payload)
	if err != nil {
		_ = sub.Unsubscribe()
		cb.RecordFailure()
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, nil, fmt.Errorf("dispatch request failed: %w", err)
	}
	cb.RecordSuccess()

	ack, err := DecodeMessage(reply.Data)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, err
	}
	if ack.Kind == MessageRejected {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("agent %s rejected command: %s", agentID, ack.Error)
	}

	out := make(chan Message, streamBuffer)
	stopped := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(stopped)
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-stopped:
				return
			case m := <-raw:
				msg, err := DecodeMessage(m.Data)
				if err != nil {
					t.logger.Warnw("Dropping malformed agent message", "agent_id", agentID, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-stopped:
					return
				}
			}
		}
	}()

	t.logger.Debugw("Command accepted by agent", "agent_id", agentID, "token", cmd.Token, "execution_id", cmd.ExecutionID)
	return out, stop, nil
}

// Cancel publishes a cancel request; the acknowledgement arrives on the command stream
func (t *NATSTransport) Cancel(ctx context.Context, agentID, token string) error {
	payload, err := Encode(CancelRequest{Token: token})
	if err != nil {
		return err
	}
	if err := t.conn.Publish(CancelSubject(agentID), payload); err != nil {
		return fmt.Errorf("failed to publish cancel: %w", err)
	}
	return t.conn.FlushWithContext(ctx)
}

// Close drains the connection
func (t *NATSTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Drain()
}

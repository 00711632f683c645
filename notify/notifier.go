// Package notify tells the case service when executions finish.
//
// A Notifier is registered as an execution completion listener and fans an
// ExecutionNotice out to every configured sink. Each sink sits behind its own
// circuit breaker so a dead endpoint does not slow down the others.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"argus/core"
	"argus/execution"
	"argus/metrics"
)

// ExecutionNotice is the payload delivered to the case service
type ExecutionNotice struct {
	ExecutionID string                 `json:"execution_id" msgpack:"execution_id"`
	CaseID      string                 `json:"case_id,omitempty" msgpack:"case_id,omitempty"`
	ToolID      string                 `json:"tool_id" msgpack:"tool_id"`
	Status      core.ExecutionStatus   `json:"status" msgpack:"status"`
	Result      map[string]interface{} `json:"result,omitempty" msgpack:"result,omitempty"`
	Error       string                 `json:"error,omitempty" msgpack:"error,omitempty"`
	CompletedAt time.Time              `json:"completed_at" msgpack:"completed_at"`
	Findings    int                    `json:"findings" msgpack:"findings"`
}

// NoticeFor builds the notice for a terminal execution
func NoticeFor(ev execution.CompletionEvent) ExecutionNotice {
	exec := ev.Execution
	n := ExecutionNotice{
		ExecutionID: exec.ID,
		CaseID:      exec.CaseID,
		ToolID:      exec.ToolID,
		Status:      exec.Status,
		Result:      core.CloneMap(exec.Result),
		Error:       exec.Error,
		Findings:    len(ev.Findings),
	}
	if exec.CompletedAt != nil {
		n.CompletedAt = *exec.CompletedAt
	} else {
		n.CompletedAt = time.Now().UTC()
	}
	return n
}

// Sink delivers notices to one destination
type Sink interface {
	Name() string
	Send(ctx context.Context, notice ExecutionNotice) error
	Close() error
}

// Config holds notifier settings
type Config struct {
	// Statuses restricts notices to these terminal statuses. Empty sends all.
	Statuses       []core.ExecutionStatus    `mapstructure:"statuses"`
	SendTimeout    time.Duration             `mapstructure:"send_timeout"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// DefaultConfig returns the notifier defaults
func DefaultConfig() Config {
	return Config{
		SendTimeout: 30 * time.Second,
		CircuitBreaker: core.CircuitBreakerConfig{
			MaxFailures:         3,
			Timeout:             60 * time.Second,
			MaxHalfOpenRequests: 1,
		},
	}
}

// Notifier fans completion notices out to sinks
type Notifier struct {
	cfg    Config
	sinks  []Sink
	logger *zap.SugaredLogger

	cbMu            sync.RWMutex
	circuitBreakers map[string]*core.CircuitBreaker
}

var _ execution.CompletionListener = (*Notifier)(nil)

// NewNotifier creates a notifier over sinks
func NewNotifier(cfg Config, logger *zap.SugaredLogger, sinks ...Sink) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.CircuitBreaker.Validate() != nil {
		cfg.CircuitBreaker = defaults.CircuitBreaker
	}
	return &Notifier{
		cfg:             cfg,
		sinks:           sinks,
		logger:          logger,
		circuitBreakers: make(map[string]*core.CircuitBreaker),
	}
}

// Sinks returns the configured sinks
func (n *Notifier) Sinks() []Sink {
	return n.sinks
}

func (n *Notifier) getOrCreateCircuitBreaker(key string) *core.CircuitBreaker {
	n.cbMu.RLock()
	cb, exists := n.circuitBreakers[key]
	n.cbMu.RUnlock()
	if exists {
		return cb
	}

	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	if cb, exists := n.circuitBreakers[key]; exists {
		return cb
	}
	cb = core.MustNewCircuitBreaker(n.cfg.CircuitBreaker)
	n.circuitBreakers[key] = cb
	n.logger.Infof("Created circuit breaker for notification sink: %s", key)
	return cb
}

func (n *Notifier) shouldNotify(status core.ExecutionStatus) bool {
	if len(n.cfg.Statuses) == 0 {
		return true
	}
	for _, s := range n.cfg.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// OnExecutionCompleted implements execution.CompletionListener. Every sink
// is attempted; the returned error joins the failures.
func (n *Notifier) OnExecutionCompleted(ctx context.Context, ev execution.CompletionEvent) error {
	if ev.Execution == nil || !n.shouldNotify(ev.Execution.Status) {
		return nil
	}
	return n.Notify(ctx, NoticeFor(ev))
}

// Notify sends notice to every sink
func (n *Notifier) Notify(ctx context.Context, notice ExecutionNotice) error {
	var errs []error
	for _, sink := range n.sinks {
		name := sink.Name()
		cb := n.getOrCreateCircuitBreaker(name)
		if err := cb.Allow(); err != nil {
			n.logger.Warnw("Circuit breaker open for notification sink", "sink", name, "execution_id", notice.ExecutionID)
			metrics.NotificationsFailed.WithLabelValues(name).Inc()
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		err := sink.Send(sendCtx, notice)
		cancel()
		if err != nil {
			cb.RecordFailure()
			metrics.NotificationsFailed.WithLabelValues(name).Inc()
			n.logger.Errorw("Failed to send execution notice", "sink", name, "execution_id", notice.ExecutionID, "error", err)
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
			continue
		}
		cb.RecordSuccess()
		metrics.NotificationsSent.WithLabelValues(name).Inc()
		n.logger.Debugw("Sent execution notice", "sink", name, "execution_id", notice.ExecutionID, "status", notice.Status)
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (n *Notifier) Close() error {
	var errs []error
	for _, sink := range n.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

package execution

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"argus/agent"
	"argus/metrics"

	"go.uber.org/zap"
)

// DefaultStartRetryBackoff is the pause before the single start retry
const DefaultStartRetryBackoff = 500 * time.Millisecond

// ErrorClass categorises start errors
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// ClassifyStartError decides whether a launch failure is worth retrying.
// Busy executables, exhausted descriptors, interrupted syscalls and network
// timeouts on agent dispatch are transient; everything else is permanent.
func ClassifyStartError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassPermanent
	}

	if errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.EINTR) {
		return ErrorClassTransient
	}

	if errors.Is(err, agent.ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// startWithRetry runs start once and, on a transient failure, once more after backoff
func startWithRetry(ctx context.Context, toolID string, backoff time.Duration, logger *zap.SugaredLogger, start func() (Process, error)) (Process, error) {
	proc, err := start()
	if err == nil || ClassifyStartError(err) != ErrorClassTransient {
		return proc, err
	}

	metrics.ExecutionStartRetries.WithLabelValues(toolID).Inc()
	logger.Warnw("Transient start failure, retrying once", "backoff", backoff, "error", err)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return start()
}

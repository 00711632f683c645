package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from panics in goroutines and logs them.
// If logger is nil, falls back to stderr so the panic is still recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		logPanic(name, logger, r)
	}
}

// Go runs fn on a new goroutine that recovers and logs panics
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}

// Safely runs fn on the calling goroutine and converts a panic into an error
func Safely(name string, logger *zap.SugaredLogger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(name, logger, r)
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

func logPanic(name string, logger *zap.SugaredLogger, r interface{}) {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
}

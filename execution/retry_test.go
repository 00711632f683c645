package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"argus/agent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClassifyStartError(t *testing.T) {
	transient := []error{
		&os.PathError{Op: "fork/exec", Path: "/opt/loki", Err: syscall.ETXTBSY},
		fmt.Errorf("start: %w", syscall.EMFILE),
		syscall.EAGAIN,
		fmt.Errorf("dispatch: %w", agent.ErrTransient),
	}
	for _, err := range transient {
		assert.Equal(t, ErrorClassTransient, ClassifyStartError(err), err.Error())
	}

	permanent := []error{
		&os.PathError{Op: "fork/exec", Path: "/opt/loki", Err: syscall.ENOENT},
		errors.New("agent rejected command"),
		context.Canceled,
		nil,
	}
	for _, err := range permanent {
		assert.Equal(t, ErrorClassPermanent, ClassifyStartError(err))
	}
}

type fakeProcess struct{}

func (fakeProcess) Wait() (int, error) {
	return 0, nil
}

func (fakeProcess) Terminate(time.Duration) error {
	return nil
}

func TestStartWithRetry(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	calls := 0
	proc, err := startWithRetry(context.Background(), "loki", time.Millisecond, logger, func() (Process, error) {
		calls++
		if calls == 1 {
			return nil, syscall.ETXTBSY
		}
		return fakeProcess{}, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, proc)
	assert.Equal(t, 2, calls)

	calls = 0
	_, err = startWithRetry(context.Background(), "loki", time.Millisecond, logger, func() (Process, error) {
		calls++
		return nil, syscall.EAGAIN
	})
	assert.ErrorIs(t, err, syscall.EAGAIN)
	assert.Equal(t, 2, calls, "only one retry")

	calls = 0
	_, err = startWithRetry(context.Background(), "loki", time.Millisecond, logger, func() (Process, error) {
		calls++
		return nil, syscall.ENOENT
	})
	assert.ErrorIs(t, err, syscall.ENOENT)
	assert.Equal(t, 1, calls)
}

package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks registers a cleanup that fails the test if the goroutine count
// has not returned to its starting value. Call it first in tests that launch
// goroutines:
//
//	func TestSomething(t *testing.T) {
//	    goroutine.AssertNoLeaks(t)
//	    // ... test code that launches goroutines ...
//	}
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 50*time.Millisecond)
}

// AssertNoLeaksWithTimeout is like AssertNoLeaks with custom timeout and polling interval
func AssertNoLeaksWithTimeout(t testing.TB, timeout, pollInterval time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if runtime.NumGoroutine() <= before {
				return
			}
			time.Sleep(pollInterval)
		}

		current := runtime.NumGoroutine()
		if current > before {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			t.Errorf("goroutine leak detected: started with %d goroutines, ended with %d (leaked %d)",
				before, current, current-before)
			t.Logf("Active goroutines:\n%s", string(buf[:n]))
		}
	})
}

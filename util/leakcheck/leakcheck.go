// Package leakcheck asserts that background workers exit when stopped.
package leakcheck

import (
	"runtime"
	"testing"
	"time"
)

// Goroutines snapshots the goroutine count and returns a func that waits for
// the count to drop back to the snapshot. Use as:
//
//	defer leakcheck.Goroutines(t)()
func Goroutines(t *testing.T) func() {
	t.Helper()
	before := runtime.NumGoroutine()
	return func() {
		t.Helper()
		AssertSettled(t, before)
	}
}

// AssertSettled waits up to five seconds for the goroutine count to fall to
// before, dumping stacks when it does not. Polling stays on the calling
// goroutine.
func AssertSettled(t *testing.T, before int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n := runtime.NumGoroutine()
		if n <= before {
			return
		}
		if time.Now().After(deadline) {
			buf := make([]byte, 1<<20)
			buf = buf[:runtime.Stack(buf, true)]
			t.Errorf("goroutine leak: before=%d after=%d\n%s", before, n, buf)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

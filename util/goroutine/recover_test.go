package goroutine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	func() {
		defer Recover("test-goroutine", logger)
	}()
}

func TestRecover_StringPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("string-panic-goroutine", logger)
		panic("test panic message")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "string-panic-goroutine", fields["goroutine"])
	assert.Equal(t, "test panic message", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("nil-logger", nil)
		panic("no logger")
	})
}

func TestGuard(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("returns fn error", func(t *testing.T) {
		want := errors.New("stage failed")
		err := Guard("stage", logger, func() error { return want })
		assert.ErrorIs(t, err, want)
	})

	t.Run("converts panic", func(t *testing.T) {
		err := Guard("stage", logger, func() error { panic("boom") })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stage panicked: boom")
	})

	t.Run("nil on success", func(t *testing.T) {
		assert.NoError(t, Guard("stage", logger, func() error { return nil }))
	})
}

func TestGo_RecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	var wg sync.WaitGroup
	wg.Add(1)
	Go("worker", logger, func() {
		defer wg.Done()
		panic("worker failed")
	})
	wg.Wait()

	assert.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 10*time.Millisecond)
}

package audit

import (
	"context"
	"sync"
	"time"

	"vitaview/core"
	"vitaview/metrics"
	"vitaview/util/goroutine"

	"go.uber.org/zap"
)

// DefaultBufferSize is used when NewAsyncLogger receives a non-positive size.
const DefaultBufferSize = 1024

// AsyncLogger hands records to a single background worker which logs them
// and, when a Store is configured, persists them. A full buffer drops the
// record rather than stall the request.
type AsyncLogger struct {
	logger *zap.SugaredLogger
	store  Store
	ch     chan *Record

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncLogger starts the worker. store may be nil.
func NewAsyncLogger(logger *zap.SugaredLogger, store Store, bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	a := &AsyncLogger{
		logger: logger,
		store:  store,
		ch:     make(chan *Record, bufferSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Log enqueues a record without blocking.
func (a *AsyncLogger) Log(_ context.Context, action, userID string, req *core.Request, metadata map[string]interface{}) {
	rec := NewRecord(action, userID, req, metadata)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.AuditRecordsDropped.Inc()
		return
	}
	select {
	case a.ch <- rec:
	default:
		metrics.AuditRecordsDropped.Inc()
		a.logger.Warnw("Audit buffer full, record dropped", "action", action, "user_id", rec.UserID)
	}
}

// Close stops accepting records and drains the buffer.
func (a *AsyncLogger) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *AsyncLogger) run() {
	defer a.wg.Done()
	for rec := range a.ch {
		a.write(rec)
	}
}

func (a *AsyncLogger) write(rec *Record) {
	defer goroutine.Recover("audit-writer", a.logger)

	fields := []interface{}{
		"audit_id", rec.ID,
		"action", rec.Action,
		"user_id", rec.UserID,
		"severity", rec.Severity,
		"ip", rec.IP,
		"path", rec.Path,
		"method", rec.Method,
		"request_id", rec.RequestID,
		"session_id", rec.SessionID,
	}
	if len(rec.Metadata) > 0 {
		fields = append(fields, "metadata", rec.Metadata)
	}
	switch rec.Severity {
	case LevelHigh:
		a.logger.Warnw("AUDIT", fields...)
	default:
		a.logger.Infow("AUDIT", fields...)
	}

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.SaveAuditRecord(ctx, rec); err != nil {
			a.logger.Errorw("Failed to persist audit record", "audit_id", rec.ID, "error", err)
			return
		}
	}
	metrics.AuditRecordsWritten.Inc()
}

package audit

import (
	"context"
	"sync"

	"vitaview/core"
)

// MemoryLogger keeps records in memory for tests.
type MemoryLogger struct {
	mu      sync.Mutex
	records []*Record
}

// NewMemoryLogger creates an empty in-memory sink.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log appends the record synchronously.
func (m *MemoryLogger) Log(_ context.Context, action, userID string, req *core.Request, metadata map[string]interface{}) {
	rec := NewRecord(action, userID, req, metadata)
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
}

// Records returns a copy of everything logged so far.
func (m *MemoryLogger) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// ByAction returns the records with the given action.
func (m *MemoryLogger) ByAction(action string) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// Reset drops all records.
func (m *MemoryLogger) Reset() {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
}

package storage

import (
	"context"
	"testing"
	"time"

	"vitaview/audit"
	"vitaview/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestSQLiteAuditStore_SaveAndQuery(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteAuditStore(sqlite, zap.NewNop().Sugar())
	ctx := context.Background()

	req := &core.Request{ID: "req-1", Method: "GET", Path: "/api/exams", IP: "10.0.0.1", Header: map[string][]string{"User-Agent": {"curl/8"}}}
	first := audit.NewRecord(audit.ActionSessionCreated, "u1", req, map[string]interface{}{"session_id": "s1"})
	first.Timestamp = time.Now().Add(-time.Minute).UTC()
	second := audit.NewRecord(audit.ActionRBACDecision, "u1", nil, map[string]interface{}{"allowed": false})
	other := audit.NewRecord(audit.ActionWAFBlocked, "", req, nil)

	for _, rec := range []*audit.Record{first, second, other} {
		require.NoError(t, store.SaveAuditRecord(ctx, rec))
	}

	recs, err := store.QueryAuditRecords(ctx, AuditQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second.ID, recs[0].ID, "newest first")
	assert.Equal(t, audit.LevelMedium, recs[0].Severity)
	assert.Equal(t, false, recs[0].Metadata["allowed"])
	assert.Equal(t, "s1", recs[1].SessionID)
	assert.Equal(t, "curl/8", recs[1].UserAgent)
	assert.True(t, recs[1].Compliance.HIPAA)

	recs, err = store.QueryAuditRecords(ctx, AuditQuery{Action: audit.ActionWAFBlocked})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.AnonymousUser, recs[0].UserID)

	recs, err = store.QueryAuditRecords(ctx, AuditQuery{Severity: audit.LevelHigh, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	got, err := store.GetAuditRecord(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "/api/exams", got.Path)

	_, err = store.GetAuditRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.SaveAuditRecord(ctx, &audit.Record{}), ErrInvalidRecord)
}

func TestSQLiteAuditStore_AsyncLogger(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteAuditStore(sqlite, zap.NewNop().Sugar())
	logger := audit.NewAsyncLogger(zaptest.NewLogger(t).Sugar(), store, 16)

	for i := 0; i < 5; i++ {
		logger.Log(context.Background(), audit.ActionSessionRenewed, "u2", nil, nil)
	}
	logger.Close()

	recs, err := store.QueryAuditRecords(context.Background(), AuditQuery{UserID: "u2"})
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

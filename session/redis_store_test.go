package session

import (
	"context"
	"testing"
	"time"

	"vitaview/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisStore(t *testing.T, now func() time.Time) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache := core.NewRedisCache(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = cache.Close() })

	store := NewRedisStore(cache, 2*time.Hour)
	store.now = now
	return store, mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	created := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	now := created.Add(30 * time.Minute)
	store, mr := newTestRedisStore(t, func() time.Time { return now })
	ctx := context.Background()

	sess := &Session{
		ID:            "abc",
		UserID:        "user-1",
		Role:          "nurse",
		IP:            "198.51.100.7",
		CreatedAt:     created,
		LastActivity:  now,
		IssuedAt:      created,
		SecurityLevel: SecurityMedium,
		AccessPattern: []AccessRecord{{Timestamp: now, Path: "/api/exams", Method: "GET"}},
	}
	require.NoError(t, store.Put(ctx, sess))

	assert.Equal(t, 90*time.Minute, mr.TTL(core.SessionKey("abc")), "ttl runs to the absolute expiry")
	members, err := mr.Members(core.UserSessionsKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, members)

	got, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, sess.Role, got.Role)
	assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.AccessPattern, 1)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, "abc"))
	_, err = store.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, mr.Exists(core.SessionKey("abc")))
	require.NoError(t, store.Delete(ctx, "abc"))
}

func TestRedisStore_ListByUserPrunesExpired(t *testing.T) {
	created := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	now := created
	store, mr := newTestRedisStore(t, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Session{ID: "old", UserID: "user-1", CreatedAt: created.Add(-110 * time.Minute)}))
	require.NoError(t, store.Put(ctx, &Session{ID: "new", UserID: "user-1", CreatedAt: created}))

	mr.FastForward(15 * time.Minute)

	sessions, err := store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "new", sessions[0].ID)

	members, err := mr.Members(core.UserSessionsKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, members)
}

func TestManager_WithRedisStore(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	store, _ := newTestRedisStore(t, clock.Now)
	m, _, _ := newTestManager(t, testConfig(), WithStore(store), WithClock(clock.Now))
	ctx := context.Background()

	tok, err := m.CreateSession(ctx, "user-1", "patient", browserRequest(t, clientIP, "/login", "", nil))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	v := m.ValidateSession(ctx, browserRequest(t, clientIP, "/api/exams", tok.Value, nil))
	require.True(t, v.Valid, "reason: %s", v.Reason)

	require.NoError(t, m.InvalidateSession(ctx, tok.SessionID))
	assert.Equal(t, ReasonNotFound, m.ValidateSession(ctx, browserRequest(t, clientIP, "/api/exams", tok.Value, nil)).Reason)
}

func TestFingerprintAndAssessment(t *testing.T) {
	base := browserRequest(t, clientIP, "/login", "", nil)
	moved := browserRequest(t, "198.51.100.99", "/login", "", nil)
	assert.Equal(t, Fingerprint(base), Fingerprint(moved), "same /24")
	assert.NotEqual(t, Fingerprint(base), Fingerprint(browserRequest(t, "198.51.101.7", "/login", "", nil)))
	assert.Len(t, Fingerprint(base), 64)

	tests := []struct {
		name     string
		override map[string]string
		plain    bool
		level    SecurityLevel
		trust    DeviceTrust
	}{
		{name: "full browser over TLS", level: SecurityHigh, trust: DeviceTrusted},
		{name: "full browser over plain HTTP", plain: true, level: SecurityMedium, trust: DeviceTrusted},
		{
			name:     "automation client",
			override: map[string]string{"User-Agent": "python-requests/2.31", "Sec-Fetch-Site": "", "Sec-Fetch-Mode": "", "Sec-Fetch-Dest": "", "Referer": ""},
			level:    SecurityLow,
			trust:    DeviceUnknown,
		},
		{
			name:     "headless browser",
			override: map[string]string{"User-Agent": "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 HeadlessChrome/126.0"},
			level:    SecurityMedium,
			trust:    DeviceUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := browserRequest(t, clientIP, "/login", "", tt.override)
			if tt.plain {
				req.TLS = false
			}
			assert.Equal(t, tt.level, AssessSecurityLevel(req))
			assert.Equal(t, tt.trust, AssessDeviceTrust(req))
		})
	}
}

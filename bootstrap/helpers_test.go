package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"vitaview/config"
	"vitaview/core"
	"vitaview/detect"
	"vitaview/rbac"
	"vitaview/session"
	"vitaview/waf"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testConfig mirrors the viper defaults without touching global state
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{StartupMode: config.StartupModeStrict}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Server.ShutdownTimeout = time.Second
	cfg.DataPaths.DataDir = t.TempDir()
	cfg.ResolveDataPaths()

	cfg.Redis.PoolSize = 2

	s := session.DefaultConfig()
	cfg.Session.Store = config.StoreMemory
	cfg.Session.InactivityTimeout = s.InactivityTimeout
	cfg.Session.AbsoluteTimeout = s.AbsoluteTimeout
	cfg.Session.RenewThreshold = s.RenewThreshold
	cfg.Session.MaxConcurrent = s.MaxConcurrent
	cfg.Session.RequireTwoFactor = s.RequireTwoFactor
	cfg.Session.AccessPatternCap = s.AccessPatternCap
	cfg.Session.LockoutThreshold = s.LockoutThreshold
	cfg.Session.LockoutDuration = s.LockoutDuration
	cfg.Session.SweepInterval = s.SweepInterval
	cfg.Session.AttemptSweep = s.AttemptSweep
	cfg.Session.SuspiciousThreshold = s.SuspiciousThreshold

	cfg.RBAC.Store = config.StoreMemory
	cfg.RBAC.HistoryLimit = 100

	d := detect.DefaultConfig()
	cfg.IDS.ThreatThreshold = d.ThreatThreshold
	cfg.IDS.BlockThreshold = d.BlockThreshold
	cfg.IDS.MaxProfiles = d.MaxProfiles
	cfg.IDS.ProfileTTL = d.ProfileTTL
	cfg.IDS.RapidAccessPerMinute = d.RapidAccessPerMinute
	cfg.IDS.AdminPathPrefix = d.AdminPathPrefix
	cfg.IDS.EventRetention = d.EventRetention
	cfg.IDS.MaxEvents = d.MaxEvents
	cfg.IDS.DefaultBlockDuration = d.DefaultBlockDuration
	cfg.IDS.RegexTimeout = d.RegexTimeout
	cfg.IDS.SweepInterval = d.SweepInterval
	cfg.IDS.IntelRefreshInterval = d.IntelRefreshInterval

	w := waf.DefaultConfig()
	cfg.WAF.Enabled = w.Enabled
	cfg.WAF.BlockMaliciousRequests = w.BlockMaliciousRequests
	cfg.WAF.RateLimitEnabled = w.RateLimitEnabled
	cfg.WAF.MaxRequestSize = w.MaxRequestSize
	cfg.WAF.Whitelist = w.Whitelist
	cfg.WAF.GeneralLimit = config.LimitConfig(w.GeneralLimit)
	cfg.WAF.MedicalRapidLimit = config.LimitConfig(w.MedicalRapidLimit)
	cfg.WAF.ExportLimit = w.ExportLimit
	cfg.WAF.RegexTimeout = w.RegexTimeout
	cfg.WAF.BlockList = config.StoreMemory

	cfg.Audit.BufferSize = 64
	cfg.Management.RateLimit = 100
	cfg.Management.Burst = 100
	return cfg
}

func fastRetries(t *testing.T) {
	t.Helper()
	orig := redisRetryDelays
	redisRetryDelays = []time.Duration{time.Millisecond, time.Millisecond}
	t.Cleanup(func() { redisRetryDelays = orig })
}

func TestClassifyRedisError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{
			"connection refused",
			&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			"Connection refused by Redis",
		},
		{"dns failure", errors.New("dial tcp: lookup redis.invalid: no such host"), "Cannot resolve hostname"},
		{"wrong password", errors.New("WRONGPASS invalid username-password pair"), "Authentication failed"},
		{"unknown error", errors.New("boom"), "Failed to connect to Redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyRedisError(tt.err, "127.0.0.1:6379")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifyRedisError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifyRedisError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"permission denied", errors.New("open /data/vitaview.db: Permission Denied"), "Permission denied"},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{"disk full", errors.New("SQLITE_FULL: database or disk is full"), "Disk full"},
		{"corrupt", errors.New("database disk image is malformed"), "appears to be corrupted"},
		{"missing dir", errors.New("open: no such file or directory"), "path does not exist"},
		{"read only", errors.New("attempt to write a read-only database"), "read-only file system"},
		{"unknown", errors.New("boom"), "Failed to initialize SQLite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifySQLiteError(tt.err, "/data/vitaview.db")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifySQLiteError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifySQLiteError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestEnsureDataDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, EnsureDataDirectory(dir, zaptest.NewLogger(t).Sugar()))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(filepath.Join(dir, ".vitaview_write_test"))
	assert.True(t, os.IsNotExist(err), "write probe must be removed")
}

func TestConfigConverters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Secret = strings.Repeat("s", 40)
	cfg.Session.MaxConcurrent = 5
	cfg.WAF.Blacklist = []string{"198.51.100.0/24"}
	cfg.IDS.BlockThreshold = 90

	sc := SessionConfig(cfg)
	assert.Equal(t, []byte(cfg.Session.Secret), sc.Secret)
	assert.Equal(t, 5, sc.MaxConcurrent)
	assert.Equal(t, cfg.Session.InactivityTimeout, sc.InactivityTimeout)

	cfg.Session.Secret = ""
	assert.Nil(t, SessionConfig(cfg).Secret)

	wc := WAFConfig(cfg)
	assert.Equal(t, []string{"198.51.100.0/24"}, wc.Blacklist)
	assert.Equal(t, cfg.WAF.GeneralLimit.Max, wc.GeneralLimit.Max)
	wc.Blacklist[0] = "changed"
	assert.Equal(t, "198.51.100.0/24", cfg.WAF.Blacklist[0], "converter must copy slices")

	dc := DetectConfig(cfg)
	assert.Equal(t, 90, dc.BlockThreshold)
	assert.Equal(t, detect.DefaultConfig().AdminRoles, dc.AdminRoles)
}

func TestInitRedis(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()

	t.Run("connects", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = mr.Addr()

		cache, err := InitRedis(context.Background(), cfg, sugar)
		require.NoError(t, err)
		require.NotNil(t, cache)
		defer cache.Close()
		assert.NoError(t, cache.Ping(context.Background()))
	})

	t.Run("strict mode fails", func(t *testing.T) {
		fastRetries(t)
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig(t)
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = addr

		cache, err := InitRedis(context.Background(), cfg, sugar)
		assert.Error(t, err)
		assert.Nil(t, cache)
	})

	t.Run("graceful mode falls back", func(t *testing.T) {
		fastRetries(t)
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig(t)
		cfg.StartupMode = config.StartupModeGraceful
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = addr

		cache, err := InitRedis(context.Background(), cfg, sugar)
		assert.NoError(t, err)
		assert.Nil(t, cache)
	})
}

func TestInitStorage_SkipsUnusedBackends(t *testing.T) {
	cfg := testConfig(t)
	sc, err := InitStorage(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Nil(t, sc.SQLite)
	assert.Nil(t, sc.Redis)
	_, err = os.Stat(cfg.GetSQLitePath())
	assert.True(t, os.IsNotExist(err))
}

func TestInitPipeline_Memory(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()
	cfg := testConfig(t)

	auditLogger := InitAudit(cfg, &StorageComponents{}, sugar)
	defer auditLogger.Close()
	intel, err := InitThreatIntel(cfg, sugar)
	require.NoError(t, err)

	p, err := InitPipeline(cfg, &StorageComponents{}, auditLogger, intel, sugar)
	require.NoError(t, err)
	assert.NotEmpty(t, p.Firewall.Rules())
	assert.NotEmpty(t, p.IDS.Rules())
	assert.NotEmpty(t, p.RBAC.Roles())
}

func TestInitPipeline_PersistentStores(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Session.Store = config.StoreRedis
	cfg.WAF.BlockList = config.StoreRedis
	cfg.RBAC.Store = config.StoreSQLite
	cfg.Audit.Persist = true

	ctx := context.Background()
	sc, err := InitStorage(ctx, cfg, sugar)
	require.NoError(t, err)
	defer sc.Close(sugar)
	require.NotNil(t, sc.SQLite)
	require.NotNil(t, sc.Redis)

	auditLogger := InitAudit(cfg, sc, sugar)
	intel, err := InitThreatIntel(cfg, sugar)
	require.NoError(t, err)
	p, err := InitPipeline(cfg, sc, auditLogger, intel, sugar)
	require.NoError(t, err)

	// sessions land in Redis
	req, err := core.FromHTTP(httptest.NewRequest("POST", "/login", nil), "192.0.2.10", 1<<20)
	require.NoError(t, err)
	tok, err := p.Sessions.CreateSession(ctx, "user-1", "doctor", req)
	require.NoError(t, err)
	assert.True(t, mr.Exists(core.SessionKey(tok.SessionID)))

	// assignments survive a new engine over the same database
	_, err = p.RBAC.AssignRole(ctx, "user-1", rbac.RolePhysician, "admin-1")
	require.NoError(t, err)
	p2, err := InitPipeline(cfg, sc, auditLogger, intel, sugar)
	require.NoError(t, err)
	list, err := p2.RBAC.Assignments(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rbac.RolePhysician, list[0].RoleID)

	// audit records drain into SQLite on close
	auditLogger.Close()
	var n int
	require.NoError(t, sc.SQLite.ReadDB.QueryRow(`SELECT COUNT(*) FROM audit_records`).Scan(&n))
	assert.Positive(t, n)
}

func TestInitThreatIntel_MissingFeed(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()
	cfg := testConfig(t)
	cfg.DataPaths.ThreatFeedPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := InitThreatIntel(cfg, sugar)
	assert.Error(t, err)

	cfg.StartupMode = config.StartupModeGraceful
	intel, err := InitThreatIntel(cfg, sugar)
	require.NoError(t, err)
	assert.NotNil(t, intel)
}

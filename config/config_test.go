package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// loadIn runs LoadConfig from dir with a clean viper instance.
func loadIn(t *testing.T, dir string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(dir)
	return LoadConfig()
}

// newTestConfig returns a valid Config for testing
func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := loadIn(t, t.TempDir())
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := newTestConfig(t)

	assert.Equal(t, StartupModeStrict, cfg.StartupMode)
	assert.Equal(t, ":8443", cfg.Server.Addr)
	assert.Equal(t, StoreMemory, cfg.Session.Store)
	assert.Equal(t, 15*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Session.AbsoluteTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.RenewThreshold)
	assert.Equal(t, 2, cfg.Session.MaxConcurrent)
	assert.True(t, cfg.Session.RequireTwoFactor)
	assert.Equal(t, 3, cfg.Session.LockoutThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Session.LockoutDuration)
	assert.Equal(t, 50, cfg.IDS.ThreatThreshold)
	assert.Equal(t, 80, cfg.IDS.BlockThreshold)
	assert.Equal(t, 100, cfg.WAF.GeneralLimit.Max)
	assert.Equal(t, time.Minute, cfg.WAF.GeneralLimit.Window)
	assert.Equal(t, 5*time.Minute, cfg.WAF.GeneralLimit.BlockDuration)
	assert.Equal(t, int64(50<<20), cfg.WAF.MaxRequestSize)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, cfg.WAF.Whitelist)
	assert.Equal(t, 1000, cfg.RBAC.HistoryLimit)
	assert.Equal(t, filepath.Join("data", "vitaview.db"), filepath.Clean(cfg.GetSQLitePath()))
	assert.False(t, cfg.NeedsSQLite())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
startup_mode: graceful
session:
  inactivity_timeout: 10m
  max_concurrent: 3
rbac:
  store: sqlite
waf:
  blacklist: ["203.0.113.0/24"]
  general_limit:
    max: 250
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("VITAVIEW_IDS_BLOCK_THRESHOLD", "90")
	t.Setenv("VITAVIEW_SESSION_SECRET", "Zq8vN3kR7tW1yB5mC9xL2pD6fH0jG4sA")
	t.Setenv("VITAVIEW_DATA_DIR", "/var/lib/vitaview")

	cfg, err := loadIn(t, dir)
	require.NoError(t, err)

	assert.True(t, cfg.IsGracefulMode())
	assert.Equal(t, 10*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, 3, cfg.Session.MaxConcurrent)
	assert.Equal(t, []string{"203.0.113.0/24"}, cfg.WAF.Blacklist)
	assert.Equal(t, 250, cfg.WAF.GeneralLimit.Max)
	assert.Equal(t, 90, cfg.IDS.BlockThreshold)
	assert.Equal(t, "Zq8vN3kR7tW1yB5mC9xL2pD6fH0jG4sA", cfg.Session.Secret)
	assert.Equal(t, "/var/lib/vitaview/vitaview.db", cfg.GetSQLitePath())
	assert.True(t, cfg.NeedsSQLite())
}

func TestLoadConfig_MetricsPasswordIsHashed(t *testing.T) {
	t.Setenv("VITAVIEW_MANAGEMENT_METRICS_USERNAME", "prometheus")
	t.Setenv("VITAVIEW_METRICS_PASSWORD", "scrape-me")
	t.Setenv("VITAVIEW_MANAGEMENT_BCRYPT_COST", "4")

	cfg, err := loadIn(t, t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, cfg.Management.MetricsPassword, "plain password is cleared")
	require.NotEmpty(t, cfg.Management.MetricsPasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.Management.MetricsPasswordHash), []byte("scrape-me")))
}

func TestValidateAndHash_SessionSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr string
	}{
		{name: "empty uses an ephemeral secret", secret: ""},
		{name: "strong", secret: "Zq8vN3kR7tW1yB5mC9xL2pD6fH0jG4sA"},
		{name: "short", secret: "tooshort", wantErr: "at least 32"},
		{name: "weak word", secret: "changeme-changeme-changeme-changeme", wantErr: "weak"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			cfg.Session.Secret = tt.secret
			err := validateAndHash(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "bad startup mode", mutate: func(c *Config) { c.StartupMode = "yolo" }, wantErr: "startup_mode"},
		{name: "tls without cert", mutate: func(c *Config) { c.Server.TLS = true }, wantErr: "cert_file"},
		{name: "unknown session store", mutate: func(c *Config) { c.Session.Store = "etcd" }, wantErr: "session.store"},
		{name: "unknown rbac store", mutate: func(c *Config) { c.RBAC.Store = "redis" }, wantErr: "rbac.store"},
		{name: "redis store without redis", mutate: func(c *Config) { c.Session.Store = StoreRedis }, wantErr: "redis.enabled"},
		{
			name: "redis store with redis",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Session.Store = StoreRedis
				c.WAF.BlockList = StoreRedis
			},
		},
		{name: "zero duration", mutate: func(c *Config) { c.Session.LockoutDuration = 0 }, wantErr: "session.lockout_duration"},
		{
			name:    "absolute shorter than inactivity",
			mutate:  func(c *Config) { c.Session.AbsoluteTimeout = 10 * time.Minute },
			wantErr: "absolute_timeout",
		},
		{
			name:    "renew threshold past inactivity",
			mutate:  func(c *Config) { c.Session.RenewThreshold = 20 * time.Minute },
			wantErr: "renew_threshold",
		},
		{name: "block below threat", mutate: func(c *Config) { c.IDS.BlockThreshold = 40 }, wantErr: "ids.block_threshold"},
		{name: "bad whitelist entry", mutate: func(c *Config) { c.WAF.Whitelist = []string{"not-an-ip"} }, wantErr: "waf.whitelist"},
		{name: "localhost allowed", mutate: func(c *Config) { c.WAF.Whitelist = []string{"localhost", "10.0.0.0/8"} }},
		{name: "bad proxy entry", mutate: func(c *Config) { c.Server.TrustedProxies = []string{"300.1.1.1"} }, wantErr: "trusted_proxies"},
		{name: "unknown secrets provider", mutate: func(c *Config) { c.Secrets.Provider = "gcp" }, wantErr: "secrets.provider"},
		{name: "zero management rate", mutate: func(c *Config) { c.Management.RateLimit = 0 }, wantErr: "management.rate_limit"},
		{
			name:    "metrics hash without user",
			mutate:  func(c *Config) { c.Management.MetricsPasswordHash = "$2a$04$x" },
			wantErr: "metrics_username",
		},
	}

	base := newTestConfig(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			cfg.WAF.Whitelist = append([]string(nil), base.WAF.Whitelist...)
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveDataPaths(t *testing.T) {
	cfg := &Config{}
	cfg.ResolveDataPaths()
	assert.Equal(t, "./data", cfg.GetDataDir())
	assert.Equal(t, filepath.Join("./data", "vitaview.db"), cfg.GetSQLitePath())

	cfg = &Config{DataPaths: DataPaths{DataDir: "/srv/vv", SQLitePath: "db/../custom.db", ThreatFeedPath: "feeds/./intel.yaml"}}
	cfg.ResolveDataPaths()
	assert.Equal(t, "custom.db", cfg.GetSQLitePath())
	assert.Equal(t, filepath.Join("feeds", "intel.yaml"), cfg.DataPaths.ThreatFeedPath)
}

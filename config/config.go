package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// StartupMode defines how the application handles initialization errors
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful falls back to in-memory stores when Redis or the
	// threat feed is unavailable
	StartupModeGraceful StartupMode = "graceful"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// MinSessionSecretLength is the shortest accepted session master secret.
const MinSessionSecretLength = 32

// DataPaths holds configurable paths for data storage
type DataPaths struct {
	// DataDir is the base data directory (default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the role assignment and audit database
	SQLitePath string `mapstructure:"sqlite_path"`
	// ThreatFeedPath is an optional YAML threat intelligence feed
	ThreatFeedPath string `mapstructure:"threat_feed_path"`
}

// LimitConfig is a fixed-window rate limit
type LimitConfig struct {
	Max           int           `mapstructure:"max"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// Config holds the application configuration
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`

	Server struct {
		Addr            string        `mapstructure:"addr"`
		TLS             bool          `mapstructure:"tls"`
		CertFile        string        `mapstructure:"cert_file"`
		KeyFile         string        `mapstructure:"key_file"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
		TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	} `mapstructure:"server"`

	DataPaths DataPaths `mapstructure:"data_paths"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Secrets struct {
		Provider string `mapstructure:"provider"` // env, vault, aws
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			SecretID  string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`

	Session struct {
		Secret              string        `mapstructure:"secret"`
		Store               string        `mapstructure:"store"`
		InactivityTimeout   time.Duration `mapstructure:"inactivity_timeout"`
		AbsoluteTimeout     time.Duration `mapstructure:"absolute_timeout"`
		RenewThreshold      time.Duration `mapstructure:"renew_threshold"`
		MaxConcurrent       int           `mapstructure:"max_concurrent"`
		RequireTwoFactor    bool          `mapstructure:"require_two_factor"`
		AccessPatternCap    int           `mapstructure:"access_pattern_cap"`
		LockoutThreshold    int           `mapstructure:"lockout_threshold"`
		LockoutDuration     time.Duration `mapstructure:"lockout_duration"`
		SweepInterval       time.Duration `mapstructure:"sweep_interval"`
		AttemptSweep        time.Duration `mapstructure:"attempt_sweep"`
		SuspiciousThreshold int           `mapstructure:"suspicious_threshold"`
	} `mapstructure:"session"`

	RBAC struct {
		Store        string `mapstructure:"store"`
		HistoryLimit int    `mapstructure:"history_limit"`
	} `mapstructure:"rbac"`

	IDS struct {
		ThreatThreshold      int           `mapstructure:"threat_threshold"`
		BlockThreshold       int           `mapstructure:"block_threshold"`
		MaxProfiles          int           `mapstructure:"max_profiles"`
		ProfileTTL           time.Duration `mapstructure:"profile_ttl"`
		RapidAccessPerMinute int           `mapstructure:"rapid_access_per_minute"`
		AdminPathPrefix      string        `mapstructure:"admin_path_prefix"`
		EventRetention       time.Duration `mapstructure:"event_retention"`
		MaxEvents            int           `mapstructure:"max_events"`
		DefaultBlockDuration time.Duration `mapstructure:"default_block_duration"`
		RegexTimeout         time.Duration `mapstructure:"regex_timeout"`
		SweepInterval        time.Duration `mapstructure:"sweep_interval"`
		IntelRefreshInterval time.Duration `mapstructure:"intel_refresh_interval"`
	} `mapstructure:"ids"`

	WAF struct {
		Enabled                bool          `mapstructure:"enabled"`
		LogAllRequests         bool          `mapstructure:"log_all_requests"`
		BlockMaliciousRequests bool          `mapstructure:"block_malicious_requests"`
		RateLimitEnabled       bool          `mapstructure:"rate_limit_enabled"`
		MaxRequestSize         int64         `mapstructure:"max_request_size"`
		Whitelist              []string      `mapstructure:"whitelist"`
		Blacklist              []string      `mapstructure:"blacklist"`
		GeneralLimit           LimitConfig   `mapstructure:"general_limit"`
		MedicalRapidLimit      LimitConfig   `mapstructure:"medical_rapid_limit"`
		ExportLimit            int           `mapstructure:"export_limit"`
		RegexTimeout           time.Duration `mapstructure:"regex_timeout"`
		BlockList              string        `mapstructure:"block_list"`
	} `mapstructure:"waf"`

	Audit struct {
		Persist    bool `mapstructure:"persist"`
		BufferSize int  `mapstructure:"buffer_size"`
	} `mapstructure:"audit"`

	Management struct {
		RateLimit           float64 `mapstructure:"rate_limit"` // requests per second per client
		Burst               int     `mapstructure:"burst"`
		MetricsUsername     string  `mapstructure:"metrics_username"`
		MetricsPassword     string  `mapstructure:"metrics_password"`
		MetricsPasswordHash string  `mapstructure:"-"`
		BcryptCost          int     `mapstructure:"bcrypt_cost"`
	} `mapstructure:"management"`
}

func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("server.addr", ":8443")
	viper.SetDefault("server.tls", false)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.idle_timeout", 60*time.Second)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)
	viper.SetDefault("server.max_body_bytes", 1<<20) // inspected prefix, not an upload cap
	viper.SetDefault("server.trusted_proxies", []string{"127.0.0.1", "::1"})

	viper.SetDefault("data_paths.data_dir", "")
	viper.SetDefault("data_paths.sqlite_path", "")
	viper.SetDefault("data_paths.threat_feed_path", "")

	// Use 127.0.0.1 instead of localhost to avoid IPv6 resolution issues on Windows
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("secrets.provider", "env")
	viper.SetDefault("secrets.vault.path", "secret/vitaview")
	viper.SetDefault("secrets.aws.secret_id", "vitaview/secrets")

	viper.SetDefault("session.secret", "")
	viper.SetDefault("session.store", StoreMemory)
	viper.SetDefault("session.inactivity_timeout", 15*time.Minute)
	viper.SetDefault("session.absolute_timeout", 2*time.Hour)
	viper.SetDefault("session.renew_threshold", 5*time.Minute)
	viper.SetDefault("session.max_concurrent", 2)
	viper.SetDefault("session.require_two_factor", true)
	viper.SetDefault("session.access_pattern_cap", 50)
	viper.SetDefault("session.lockout_threshold", 3)
	viper.SetDefault("session.lockout_duration", 30*time.Minute)
	viper.SetDefault("session.sweep_interval", 5*time.Minute)
	viper.SetDefault("session.attempt_sweep", time.Hour)
	viper.SetDefault("session.suspicious_threshold", 3)

	viper.SetDefault("rbac.store", StoreMemory)
	viper.SetDefault("rbac.history_limit", 1000)

	viper.SetDefault("ids.threat_threshold", 50)
	viper.SetDefault("ids.block_threshold", 80)
	viper.SetDefault("ids.max_profiles", 10000)
	viper.SetDefault("ids.profile_ttl", 30*24*time.Hour)
	viper.SetDefault("ids.rapid_access_per_minute", 100)
	viper.SetDefault("ids.admin_path_prefix", "/api/admin")
	viper.SetDefault("ids.event_retention", 7*24*time.Hour)
	viper.SetDefault("ids.max_events", 100000)
	viper.SetDefault("ids.default_block_duration", time.Hour)
	viper.SetDefault("ids.regex_timeout", 100*time.Millisecond)
	viper.SetDefault("ids.sweep_interval", 5*time.Minute)
	viper.SetDefault("ids.intel_refresh_interval", 6*time.Hour)

	viper.SetDefault("waf.enabled", true)
	viper.SetDefault("waf.log_all_requests", false)
	viper.SetDefault("waf.block_malicious_requests", true)
	viper.SetDefault("waf.rate_limit_enabled", true)
	viper.SetDefault("waf.max_request_size", 50<<20)
	viper.SetDefault("waf.whitelist", []string{"127.0.0.1", "::1"})
	viper.SetDefault("waf.blacklist", []string{})
	viper.SetDefault("waf.general_limit.max", 100)
	viper.SetDefault("waf.general_limit.window", time.Minute)
	viper.SetDefault("waf.general_limit.block_duration", 5*time.Minute)
	viper.SetDefault("waf.medical_rapid_limit.max", 50)
	viper.SetDefault("waf.medical_rapid_limit.window", time.Minute)
	viper.SetDefault("waf.medical_rapid_limit.block_duration", 0)
	viper.SetDefault("waf.export_limit", 1000)
	viper.SetDefault("waf.regex_timeout", 100*time.Millisecond)
	viper.SetDefault("waf.block_list", StoreMemory)

	viper.SetDefault("audit.persist", false)
	viper.SetDefault("audit.buffer_size", 1024)

	viper.SetDefault("management.rate_limit", 5.0)
	viper.SetDefault("management.burst", 20)
	viper.SetDefault("management.metrics_username", "")
	viper.SetDefault("management.metrics_password", "")
	viper.SetDefault("management.bcrypt_cost", bcrypt.DefaultCost)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("VITAVIEW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Secrets and paths get short explicit names
	_ = viper.BindEnv("startup_mode", "VITAVIEW_STARTUP_MODE")
	_ = viper.BindEnv("session.secret", "VITAVIEW_SESSION_SECRET")
	_ = viper.BindEnv("redis.password", "VITAVIEW_REDIS_PASSWORD")
	_ = viper.BindEnv("management.metrics_password", "VITAVIEW_METRICS_PASSWORD")
	_ = viper.BindEnv("data_paths.data_dir", "VITAVIEW_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "VITAVIEW_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.threat_feed_path", "VITAVIEW_THREAT_FEED")
}

// validateAndHash checks secret strength, hashes the metrics password and
// runs validateConfig
func validateAndHash(config *Config) error {
	if secret := config.Session.Secret; secret != "" {
		if len(secret) < MinSessionSecretLength {
			return fmt.Errorf("session secret must be at least %d characters", MinSessionSecretLength)
		}
		weakSecrets := []string{
			"secret", "password", "changeme", "default", "admin",
			"supersecret", "mysecret", "example",
		}
		lowerSecret := strings.ToLower(secret)
		for _, weak := range weakSecrets {
			if strings.Contains(lowerSecret, weak) {
				return fmt.Errorf("session secret appears to contain weak/default value: please use a cryptographically secure random string")
			}
		}
	}

	if config.Management.MetricsPassword != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(config.Management.MetricsPassword), config.Management.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash metrics password: %w", err)
		}
		config.Management.MetricsPasswordHash = string(hashed)
		config.Management.MetricsPassword = "" // clear plain password
	}

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := LoadSecrets(&config); err != nil {
		return nil, err
	}

	if err := validateAndHash(&config); err != nil {
		return nil, err
	}

	config.ResolveDataPaths()
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "vitaview.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.DataPaths.ThreatFeedPath != "" && !filepath.IsAbs(c.DataPaths.ThreatFeedPath) {
		c.DataPaths.ThreatFeedPath = filepath.Clean(c.DataPaths.ThreatFeedPath)
	}

	c.DataPaths.DataDir = dataDir
}

// GetDataDir returns the resolved base data directory
func (c *Config) GetDataDir() string {
	if c.DataPaths.DataDir == "" {
		return "./data"
	}
	return c.DataPaths.DataDir
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.GetDataDir(), "vitaview.db")
	}
	return c.DataPaths.SQLitePath
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// NeedsSQLite reports whether any component persists to SQLite
func (c *Config) NeedsSQLite() bool {
	return c.RBAC.Store == StoreSQLite || c.Audit.Persist
}

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case "", StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode %q: must be strict or graceful", config.StartupMode)
	}

	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if config.Server.TLS && (config.Server.CertFile == "" || config.Server.KeyFile == "") {
		return fmt.Errorf("server.cert_file and server.key_file are required when TLS is enabled")
	}
	if config.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	if err := validateStore("session.store", config.Session.Store, StoreMemory, StoreRedis); err != nil {
		return err
	}
	if err := validateStore("rbac.store", config.RBAC.Store, StoreMemory, StoreSQLite); err != nil {
		return err
	}
	if err := validateStore("waf.block_list", config.WAF.BlockList, StoreMemory, StoreRedis); err != nil {
		return err
	}
	if !config.Redis.Enabled && (config.Session.Store == StoreRedis || config.WAF.BlockList == StoreRedis) {
		return fmt.Errorf("redis.enabled must be true when a store uses redis")
	}
	if config.Redis.Enabled && config.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty when redis is enabled")
	}

	switch config.Secrets.Provider {
	case "", "env", "vault", "aws":
	default:
		return fmt.Errorf("unsupported secrets.provider %q", config.Secrets.Provider)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"server.read_timeout", config.Server.ReadTimeout},
		{"server.write_timeout", config.Server.WriteTimeout},
		{"server.shutdown_timeout", config.Server.ShutdownTimeout},
		{"session.inactivity_timeout", config.Session.InactivityTimeout},
		{"session.absolute_timeout", config.Session.AbsoluteTimeout},
		{"session.renew_threshold", config.Session.RenewThreshold},
		{"session.lockout_duration", config.Session.LockoutDuration},
		{"session.sweep_interval", config.Session.SweepInterval},
		{"session.attempt_sweep", config.Session.AttemptSweep},
		{"ids.profile_ttl", config.IDS.ProfileTTL},
		{"ids.event_retention", config.IDS.EventRetention},
		{"ids.default_block_duration", config.IDS.DefaultBlockDuration},
		{"ids.regex_timeout", config.IDS.RegexTimeout},
		{"ids.sweep_interval", config.IDS.SweepInterval},
		{"ids.intel_refresh_interval", config.IDS.IntelRefreshInterval},
		{"waf.general_limit.window", config.WAF.GeneralLimit.Window},
		{"waf.medical_rapid_limit.window", config.WAF.MedicalRapidLimit.Window},
		{"waf.regex_timeout", config.WAF.RegexTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if config.Session.AbsoluteTimeout < config.Session.InactivityTimeout {
		return fmt.Errorf("session.absolute_timeout must not be shorter than session.inactivity_timeout")
	}
	if config.Session.RenewThreshold >= config.Session.InactivityTimeout {
		return fmt.Errorf("session.renew_threshold must be shorter than session.inactivity_timeout")
	}
	if config.Session.MaxConcurrent < 1 {
		return fmt.Errorf("session.max_concurrent must be at least 1")
	}

	if config.IDS.ThreatThreshold < 0 {
		return fmt.Errorf("ids.threat_threshold cannot be negative")
	}
	if config.IDS.BlockThreshold < config.IDS.ThreatThreshold {
		return fmt.Errorf("ids.block_threshold (%d) must be at least ids.threat_threshold (%d)",
			config.IDS.BlockThreshold, config.IDS.ThreatThreshold)
	}
	if config.IDS.MaxProfiles <= 0 || config.IDS.MaxEvents <= 0 {
		return fmt.Errorf("ids.max_profiles and ids.max_events must be positive")
	}

	if config.WAF.GeneralLimit.Max <= 0 || config.WAF.MedicalRapidLimit.Max <= 0 {
		return fmt.Errorf("waf rate limit maximums must be positive")
	}
	lists := map[string][]string{
		"waf.whitelist":          config.WAF.Whitelist,
		"waf.blacklist":          config.WAF.Blacklist,
		"server.trusted_proxies": config.Server.TrustedProxies,
	}
	for name, entries := range lists {
		for _, entry := range entries {
			if !isValidIPOrCIDR(entry) {
				return fmt.Errorf("invalid IP address or CIDR in %s: %s", name, entry)
			}
		}
	}

	if config.Management.RateLimit <= 0 || config.Management.Burst <= 0 {
		return fmt.Errorf("management.rate_limit and management.burst must be positive")
	}
	if config.Management.MetricsPasswordHash != "" && config.Management.MetricsUsername == "" {
		return fmt.Errorf("management.metrics_username is required with a metrics password")
	}

	return nil
}

func validateStore(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: must be one of %s", name, value, strings.Join(allowed, ", "))
}

// isValidIPOrCIDR checks if a string is a valid IP address or CIDR range.
// "localhost" is accepted for list entries.
func isValidIPOrCIDR(ipStr string) bool {
	if strings.EqualFold(strings.TrimSpace(ipStr), "localhost") {
		return true
	}
	if net.ParseIP(ipStr) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(ipStr)
	return err == nil
}

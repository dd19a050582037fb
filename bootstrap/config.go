package bootstrap

import (
	"fmt"
	"os"

	"vitaview/config"
	"vitaview/detect"
	"vitaview/session"
	"vitaview/waf"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	core := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration.
func InitConfig(sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}

	startupMode := cfg.StartupMode
	if startupMode == "" {
		startupMode = config.StartupModeStrict
	}
	sugar.Infow("Startup mode",
		"mode", string(startupMode),
		"description", func() string {
			if startupMode == config.StartupModeGraceful {
				return "falls back to in-memory stores when Redis or the threat feed is unavailable"
			}
			return "will fail fast on any initialization error"
		}())

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.GetDataDir(),
		"sqlite_path", cfg.GetSQLitePath(),
		"threat_feed", cfg.DataPaths.ThreatFeedPath)

	sugar.Infow("Config loaded",
		"addr", cfg.Server.Addr,
		"tls", cfg.Server.TLS,
		"session_store", cfg.Session.Store,
		"rbac_store", cfg.RBAC.Store,
		"waf_block_list", cfg.WAF.BlockList,
		"redis_enabled", cfg.Redis.Enabled,
		"audit_persist", cfg.Audit.Persist)

	if cfg.Session.Secret == "" {
		sugar.Warn("No session secret configured; tokens are signed with an ephemeral key and will not survive a restart")
	}

	return cfg, nil
}

// SessionConfig maps the session section onto session.Config
func SessionConfig(cfg *config.Config) session.Config {
	s := cfg.Session
	var secret []byte
	if s.Secret != "" {
		secret = []byte(s.Secret)
	}
	return session.Config{
		Secret:              secret,
		InactivityTimeout:   s.InactivityTimeout,
		AbsoluteTimeout:     s.AbsoluteTimeout,
		RenewThreshold:      s.RenewThreshold,
		MaxConcurrent:       s.MaxConcurrent,
		RequireTwoFactor:    s.RequireTwoFactor,
		AccessPatternCap:    s.AccessPatternCap,
		LockoutThreshold:    s.LockoutThreshold,
		LockoutDuration:     s.LockoutDuration,
		SweepInterval:       s.SweepInterval,
		AttemptSweep:        s.AttemptSweep,
		SuspiciousThreshold: s.SuspiciousThreshold,
	}
}

// WAFConfig maps the waf section onto waf.Config
func WAFConfig(cfg *config.Config) waf.Config {
	w := cfg.WAF
	return waf.Config{
		Enabled:                w.Enabled,
		LogAllRequests:         w.LogAllRequests,
		BlockMaliciousRequests: w.BlockMaliciousRequests,
		RateLimitEnabled:       w.RateLimitEnabled,
		MaxRequestSize:         w.MaxRequestSize,
		Whitelist:              append([]string(nil), w.Whitelist...),
		Blacklist:              append([]string(nil), w.Blacklist...),
		GeneralLimit:           waf.LimitConfig(w.GeneralLimit),
		MedicalRapidLimit:      waf.LimitConfig(w.MedicalRapidLimit),
		ExportLimit:            w.ExportLimit,
		RegexTimeout:           w.RegexTimeout,
	}
}

// DetectConfig maps the ids section onto detect.Config. Admin roles are
// fixed by the role catalog and always come from the defaults.
func DetectConfig(cfg *config.Config) detect.Config {
	d := cfg.IDS
	out := detect.DefaultConfig()
	out.ThreatThreshold = d.ThreatThreshold
	out.BlockThreshold = d.BlockThreshold
	out.MaxProfiles = d.MaxProfiles
	out.ProfileTTL = d.ProfileTTL
	out.RapidAccessPerMinute = d.RapidAccessPerMinute
	out.AdminPathPrefix = d.AdminPathPrefix
	out.EventRetention = d.EventRetention
	out.MaxEvents = d.MaxEvents
	out.DefaultBlockDuration = d.DefaultBlockDuration
	out.RegexTimeout = d.RegexTimeout
	out.SweepInterval = d.SweepInterval
	out.IntelRefreshInterval = d.IntelRefreshInterval
	return out
}

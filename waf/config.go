package waf

import (
	"time"
)

// LimitConfig is a fixed-window limit. BlockDuration keeps a key blocked
// past the window once it trips; zero means the key only waits out the window.
type LimitConfig struct {
	Max           int           `json:"max"`
	Window        time.Duration `json:"window"`
	BlockDuration time.Duration `json:"block_duration"`
}

// Config controls the firewall
type Config struct {
	Enabled                bool          `json:"enabled"`
	LogAllRequests         bool          `json:"log_all_requests"`
	BlockMaliciousRequests bool          `json:"block_malicious_requests"`
	RateLimitEnabled       bool          `json:"rate_limit_enabled"`
	MaxRequestSize         int64         `json:"max_request_size"`
	Whitelist              []string      `json:"whitelist"`
	Blacklist              []string      `json:"blacklist"`
	GeneralLimit           LimitConfig   `json:"general_limit"`
	MedicalRapidLimit      LimitConfig   `json:"medical_rapid_limit"`
	ExportLimit            int           `json:"export_limit"`
	RegexTimeout           time.Duration `json:"regex_timeout"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		LogAllRequests:         false,
		BlockMaliciousRequests: true,
		RateLimitEnabled:       true,
		MaxRequestSize:         50 << 20,
		Whitelist:              []string{"127.0.0.1", "::1"},
		Blacklist:              nil,
		GeneralLimit:           LimitConfig{Max: 100, Window: time.Minute, BlockDuration: 5 * time.Minute},
		MedicalRapidLimit:      LimitConfig{Max: 50, Window: time.Minute},
		ExportLimit:            1000,
		RegexTimeout:           100 * time.Millisecond,
	}
}

// ConfigUpdate is a partial config change; nil fields are left alone
type ConfigUpdate struct {
	Enabled                *bool  `json:"enabled,omitempty"`
	LogAllRequests         *bool  `json:"log_all_requests,omitempty"`
	BlockMaliciousRequests *bool  `json:"block_malicious_requests,omitempty"`
	RateLimitEnabled       *bool  `json:"rate_limit_enabled,omitempty"`
	MaxRequestSize         *int64 `json:"max_request_size,omitempty"`
	ExportLimit            *int   `json:"export_limit,omitempty"`
}

func (u ConfigUpdate) apply(cfg *Config) []string {
	var changed []string
	if u.Enabled != nil {
		cfg.Enabled = *u.Enabled
		changed = append(changed, "enabled")
	}
	if u.LogAllRequests != nil {
		cfg.LogAllRequests = *u.LogAllRequests
		changed = append(changed, "log_all_requests")
	}
	if u.BlockMaliciousRequests != nil {
		cfg.BlockMaliciousRequests = *u.BlockMaliciousRequests
		changed = append(changed, "block_malicious_requests")
	}
	if u.RateLimitEnabled != nil {
		cfg.RateLimitEnabled = *u.RateLimitEnabled
		changed = append(changed, "rate_limit_enabled")
	}
	if u.MaxRequestSize != nil && *u.MaxRequestSize > 0 {
		cfg.MaxRequestSize = *u.MaxRequestSize
		changed = append(changed, "max_request_size")
	}
	if u.ExportLimit != nil && *u.ExportLimit > 0 {
		cfg.ExportLimit = *u.ExportLimit
		changed = append(changed, "export_limit")
	}
	return changed
}

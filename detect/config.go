package detect

import (
	"time"
)

// Config tunes the analyzer
type Config struct {
	ThreatThreshold int
	BlockThreshold  int

	MaxProfiles          int
	ProfileTTL           time.Duration
	RapidAccessPerMinute int
	AdminPathPrefix      string
	AdminRoles           []string

	EventRetention       time.Duration
	MaxEvents            int
	DefaultBlockDuration time.Duration
	RegexTimeout         time.Duration

	SweepInterval        time.Duration
	IntelRefreshInterval time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ThreatThreshold:      50,
		BlockThreshold:       80,
		MaxProfiles:          10000,
		ProfileTTL:           30 * 24 * time.Hour,
		RapidAccessPerMinute: 100,
		AdminPathPrefix:      "/api/admin",
		AdminRoles:           []string{"admin", "super_admin"},
		EventRetention:       7 * 24 * time.Hour,
		MaxEvents:            100000,
		DefaultBlockDuration: time.Hour,
		RegexTimeout:         100 * time.Millisecond,
		SweepInterval:        5 * time.Minute,
		IntelRefreshInterval: 6 * time.Hour,
	}
}

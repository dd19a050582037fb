package session

import (
	"time"
)

// MinSecretLength is the shortest accepted signing secret in bytes.
const MinSecretLength = 32

// Config controls session lifetimes and the anti-hijacking checks.
type Config struct {
	// Secret is the master secret the token signing key is derived from.
	// Empty means an ephemeral random secret is generated at startup.
	Secret []byte `json:"-"`

	InactivityTimeout   time.Duration `json:"inactivity_timeout"`
	AbsoluteTimeout     time.Duration `json:"absolute_timeout"`
	RenewThreshold      time.Duration `json:"renew_threshold"`
	MaxConcurrent       int           `json:"max_concurrent"`
	RequireTwoFactor    bool          `json:"require_two_factor"`
	AccessPatternCap    int           `json:"access_pattern_cap"`
	LockoutThreshold    int           `json:"lockout_threshold"`
	LockoutDuration     time.Duration `json:"lockout_duration"`
	SweepInterval       time.Duration `json:"sweep_interval"`
	AttemptSweep        time.Duration `json:"attempt_sweep"`
	SuspiciousThreshold int           `json:"suspicious_threshold"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout:   15 * time.Minute,
		AbsoluteTimeout:     2 * time.Hour,
		RenewThreshold:      5 * time.Minute,
		MaxConcurrent:       2,
		RequireTwoFactor:    true,
		AccessPatternCap:    50,
		LockoutThreshold:    3,
		LockoutDuration:     30 * time.Minute,
		SweepInterval:       5 * time.Minute,
		AttemptSweep:        time.Hour,
		SuspiciousThreshold: 3,
	}
}

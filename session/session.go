// Package session issues and validates request sessions for medical data
// access. Every fault is fail-closed: a session that fails any check is
// either rejected or destroyed, never partially trusted.
package session

import (
	"time"

	"vitaview/core"
)

// SecurityLevel grades the transport and client signals seen at creation.
type SecurityLevel string

const (
	SecurityLow    SecurityLevel = "LOW"
	SecurityMedium SecurityLevel = "MEDIUM"
	SecurityHigh   SecurityLevel = "HIGH"
)

// DeviceTrust grades the client device.
type DeviceTrust string

const (
	DeviceTrusted DeviceTrust = "TRUSTED"
	DeviceUnknown DeviceTrust = "UNKNOWN"
)

// Reason explains a failed validation.
type Reason string

const (
	ReasonNoToken           Reason = "NO_TOKEN"
	ReasonNotFound          Reason = "SESSION_NOT_FOUND"
	ReasonTampered          Reason = "SESSION_TAMPERED"
	ReasonAbsoluteTimeout   Reason = "ABSOLUTE_TIMEOUT"
	ReasonInactivityTimeout Reason = "INACTIVITY_TIMEOUT"
	ReasonFingerprint       Reason = "FINGERPRINT_MISMATCH"
	ReasonIPChange          Reason = "IP_ADDRESS_CHANGE"
	ReasonTwoFactorRequired Reason = "TWO_FACTOR_REQUIRED"
	ReasonStoreUnavailable  Reason = "SESSION_STORE_UNAVAILABLE"
)

// Suspicious activity kinds flagged during validation
const (
	ActivityFingerprintChange = "FINGERPRINT_CHANGE"
	ActivityIPChange          = "IP_CHANGE"
)

// AccessRecord is one entry of a session's access pattern.
type AccessRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	UserAgent string    `json:"user_agent"`
}

// Session is the server-side state behind a token.
type Session struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Role              string         `json:"role"`
	Fingerprint       string         `json:"fingerprint"`
	IP                string         `json:"ip"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActivity      time.Time      `json:"last_activity"`
	IssuedAt          time.Time      `json:"issued_at"`
	TwoFactorVerified bool           `json:"two_factor_verified"`
	SecurityLevel     SecurityLevel  `json:"security_level"`
	DeviceTrust       DeviceTrust    `json:"device_trust"`
	AccessPattern     []AccessRecord `json:"access_pattern"`
}

func (s *Session) clone() *Session {
	c := *s
	c.AccessPattern = append([]AccessRecord(nil), s.AccessPattern...)
	return &c
}

// Principal is the identity the session lets a request act as.
func (s *Session) Principal() *core.Principal {
	return &core.Principal{
		ID:           s.UserID,
		Role:         s.Role,
		SessionID:    s.ID,
		SessionStart: s.CreatedAt,
	}
}

// Validation is the result of ValidateSession. Session is set for valid
// sessions and for TWO_FACTOR_REQUIRED.
type Validation struct {
	Valid       bool     `json:"valid"`
	Reason      Reason   `json:"reason,omitempty"`
	Session     *Session `json:"-"`
	ShouldRenew bool     `json:"should_renew"`
}

// Package audit records security-relevant decisions made by the pipeline.
//
// Writers call Logger.Log and move on; recording is fire-and-forget and a
// failure to record never changes the outcome of a request.
package audit

import (
	"context"
	"time"

	"vitaview/core"
)

// Level is the audit severity of a record.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// AnonymousUser is recorded when a request has no principal.
const AnonymousUser = "anonymous"

// Actions written by the pipeline
const (
	ActionSessionCreated       = "SESSION_CREATED"
	ActionSessionRenewed       = "SESSION_RENEWED"
	ActionSessionExpired       = "SESSION_EXPIRED"
	ActionSessionInvalidated   = "SESSION_INVALIDATED"
	ActionSessionTampered      = "SESSION_TAMPERED"
	ActionSessionLimitExceeded = "SESSION_LIMIT_EXCEEDED"
	ActionFingerprintMismatch  = "FINGERPRINT_MISMATCH"
	ActionIPAddressChange      = "IP_ADDRESS_CHANGE"
	ActionTwoFactorRequired    = "TWO_FACTOR_REQUIRED"
	ActionTwoFactorVerified    = "TWO_FACTOR_VERIFIED"
	ActionBruteForceDetected   = "BRUTE_FORCE_DETECTED"
	ActionSuspiciousThreshold  = "SUSPICIOUS_ACTIVITY_THRESHOLD"
	ActionSuspiciousPattern    = "SUSPICIOUS_PATTERN_DETECTED"
	ActionRBACDecision         = "RBAC_DECISION"
	ActionRoleAssigned         = "ROLE_ASSIGNED"
	ActionRoleRevoked          = "ROLE_REVOKED"
	ActionSecurityEvent        = "SECURITY_EVENT"
	ActionSecurityAlert        = "SECURITY_ALERT"
	ActionSecurityEscalation   = "SECURITY_ESCALATION"
	ActionIPBlocked            = "IP_BLOCKED"
	ActionUserBlocked          = "USER_BLOCKED"
	ActionIPUnblocked          = "IP_UNBLOCKED"
	ActionUserUnblocked        = "USER_UNBLOCKED"
	ActionIDSResponse          = "IDS_RESPONSE_APPLIED"
	ActionWAFEvent             = "WAF_EVENT"
	ActionWAFBlocked           = "WAF_BLOCKED"
	ActionWAFConfigChanged     = "WAF_CONFIG_CHANGED"
	ActionInvalidMedicalData   = "INVALID_MEDICAL_DATA"
)

var highSeverity = map[string]bool{
	ActionSessionTampered:     true,
	ActionFingerprintMismatch: true,
	ActionIPAddressChange:     true,
	ActionSuspiciousPattern:   true,
	ActionBruteForceDetected:  true,
	ActionSecurityEscalation:  true,
	ActionWAFBlocked:          true,
	ActionIPBlocked:           true,
	ActionUserBlocked:         true,
}

var mediumSeverity = map[string]bool{
	ActionSessionCreated:     true,
	ActionSessionExpired:     true,
	ActionTwoFactorRequired:  true,
	ActionInvalidMedicalData: true,
	ActionSecurityAlert:      true,
	ActionRoleAssigned:       true,
	ActionRoleRevoked:        true,
}

// SeverityFor classifies an action. Denied RBAC decisions are MEDIUM,
// allowed ones LOW.
func SeverityFor(action string, metadata map[string]interface{}) Level {
	switch {
	case highSeverity[action]:
		return LevelHigh
	case mediumSeverity[action]:
		return LevelMedium
	case action == ActionRBACDecision:
		if allowed, ok := metadata["allowed"].(bool); ok && !allowed {
			return LevelMedium
		}
	}
	return LevelLow
}

// Compliance flags the regulatory regimes a record is retained for.
type Compliance struct {
	HIPAA bool `json:"hipaa"`
	LGPD  bool `json:"lgpd"`
	GDPR  bool `json:"gdpr"`
}

// Record is one audit trail entry.
type Record struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Action     string                 `json:"action"`
	UserID     string                 `json:"user_id"`
	IP         string                 `json:"ip,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	Path       string                 `json:"path,omitempty"`
	Method     string                 `json:"method,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Severity   Level                  `json:"severity"`
	Compliance Compliance             `json:"compliance"`
}

// NewRecord builds a record from the request context. req may be nil for
// records produced outside a request (sweeps, management calls).
func NewRecord(action, userID string, req *core.Request, metadata map[string]interface{}) *Record {
	if userID == "" {
		userID = AnonymousUser
	}
	rec := &Record{
		ID:         core.NewReference(""),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		UserID:     userID,
		Metadata:   metadata,
		Severity:   SeverityFor(action, metadata),
		Compliance: Compliance{HIPAA: true, LGPD: true, GDPR: true},
	}
	if sid, ok := metadata["session_id"].(string); ok {
		rec.SessionID = sid
	}
	if req != nil {
		rec.IP = req.IP
		rec.UserAgent = req.UserAgent()
		rec.RequestID = req.ID
		rec.Path = req.Path
		rec.Method = req.Method
		if rec.SessionID == "" && req.Principal != nil {
			rec.SessionID = req.Principal.SessionID
		}
	}
	return rec
}

// Logger is the sink every component writes to. Log must not block and must
// not fail the caller.
type Logger interface {
	Log(ctx context.Context, action, userID string, req *core.Request, metadata map[string]interface{})
}

// Store persists records.
type Store interface {
	SaveAuditRecord(ctx context.Context, rec *Record) error
}

// NoOpLogger discards every record.
type NoOpLogger struct{}

// Log discards the record
func (NoOpLogger) Log(context.Context, string, string, *core.Request, map[string]interface{}) {}

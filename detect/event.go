package detect

import (
	"time"

	"vitaview/core"

	"github.com/google/uuid"
)

// EventType classifies a security event
type EventType string

const (
	EventFailedLogin          EventType = "failed_login"
	EventBruteForce           EventType = "brute_force"
	EventAnomalousAccess      EventType = "anomalous_access"
	EventDataExfiltration     EventType = "data_exfiltration"
	EventPrivilegeEscalation  EventType = "privilege_escalation"
	EventSuspiciousBehavior   EventType = "suspicious_behavior"
	EventMaliciousUpload      EventType = "malicious_upload"
	EventUnauthorizedAccess   EventType = "unauthorized_access"
	EventSessionHijack        EventType = "session_hijack"
	EventSQLInjection         EventType = "sql_injection"
	EventXSSAttempt           EventType = "xss_attempt"
	EventUnusualLocation      EventType = "unusual_location"
	EventOffHoursAccess       EventType = "off_hours_access"
	EventMultipleDeviceAccess EventType = "multiple_device_access"
	EventRapidDataAccess      EventType = "rapid_data_access"
	EventDetectionError       EventType = "detection_error"
)

// Event is an append-only security event
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Severity    core.Severity          `json:"severity"`
	Timestamp   time.Time              `json:"timestamp"`
	UserID      string                 `json:"user_id,omitempty"`
	IP          string                 `json:"ip"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	RiskScore   int                    `json:"risk_score"`
	Actions     []string               `json:"actions_taken,omitempty"`
}

// Response actions reported back to the caller
const (
	ActionBlockRequest     = "BLOCK_REQUEST"
	ActionBlockIP          = "BLOCK_IP"
	ActionBlockUser        = "BLOCK_USER"
	ActionAlertSecurity    = "ALERT_SECURITY_TEAM"
	ActionAlertModerate    = "ALERT_MODERATE"
	ActionRequireCaptcha   = "REQUIRE_CAPTCHA"
	ActionEscalateSecurity = "ESCALATE_SECURITY"
	ActionAlert            = "ALERT"
	ActionEscalate         = "ESCALATE"
	ActionRequire2FA       = "REQUIRE_2FA"
	ActionRateLimit        = "RATE_LIMIT"
	ActionLog              = "LOG"
)

func newEvent(typ EventType, sev core.Severity, now time.Time, req *core.Request, description string, score int, meta map[string]interface{}) Event {
	if meta == nil {
		meta = make(map[string]interface{})
	}
	ev := Event{
		ID:          uuid.New().String(),
		Type:        typ,
		Severity:    sev,
		Timestamp:   now,
		Description: description,
		Metadata:    meta,
		RiskScore:   score,
		IP:          "unknown",
	}
	if req != nil {
		ev.UserID = req.UserID()
		if req.IP != "" {
			ev.IP = req.IP
		}
		ev.UserAgent = req.UserAgent()
	}
	return ev
}

// Analysis is the verdict for one request
type Analysis struct {
	Threat    bool     `json:"threat"`
	RiskScore int      `json:"risk_score"`
	Events    []Event  `json:"events"`
	Actions   []string `json:"actions"`
}

// HasAction reports whether action is in the list
func (a Analysis) HasAction(action string) bool {
	for _, x := range a.Actions {
		if x == action {
			return true
		}
	}
	return false
}

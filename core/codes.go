package core

// Response codes returned in the JSON body of rejected requests
const (
	CodeWAFBlocked             = "WAF_BLOCKED"
	CodeAccessDenied           = "ACCESS_DENIED"
	CodeSecurityThreatDetected = "SECURITY_THREAT_DETECTED"
	CodeSessionInvalid         = "SESSION_INVALID"
	CodeMFARequired            = "MFA_REQUIRED"
	CodeAuthRequired           = "AUTH_REQUIRED"
	CodeRateLimited            = "RATE_LIMITED"
)

// Severity grades WAF rules and IDS events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

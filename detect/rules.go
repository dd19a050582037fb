package detect

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vitaview/core"
)

// Operator compares an event field to a condition value
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
)

// Condition tests one event field. Field is event_type, severity, user_id,
// ip or a metadata key.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// RuleActionType is a correlation response
type RuleActionType string

const (
	RuleBlockIP    RuleActionType = "block_ip"
	RuleBlockUser  RuleActionType = "block_user"
	RuleAlert      RuleActionType = "alert"
	RuleEscalate   RuleActionType = "escalate"
	RuleRequire2FA RuleActionType = "require_2fa"
	RuleRateLimit  RuleActionType = "rate_limit"
	RuleLog        RuleActionType = "log"
)

// RuleAction is one response of a triggered rule
type RuleAction struct {
	Type     RuleActionType `json:"type"`
	Duration time.Duration  `json:"duration,omitempty"`
	Level    string         `json:"level,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// Rule correlates accumulated events. It triggers when the events of one
// call that satisfy every condition, plus the retained matching events for
// the same IP or user inside Window, reach Threshold.
type Rule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Enabled     bool          `json:"enabled"`
	Severity    core.Severity `json:"severity"`
	Conditions  []Condition   `json:"conditions"`
	Actions     []RuleAction  `json:"actions"`
	Threshold   int           `json:"threshold"`
	Window      time.Duration `json:"window"`
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.Threshold < 1 {
		return fmt.Errorf("%w: rule %s threshold must be at least 1", ErrInvalidRule, r.ID)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: rule %s window must be positive", ErrInvalidRule, r.ID)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: rule %s has no conditions", ErrInvalidRule, r.ID)
	}
	for _, act := range r.Actions {
		switch act.Type {
		case RuleBlockIP, RuleBlockUser, RuleAlert, RuleEscalate, RuleRequire2FA, RuleRateLimit, RuleLog:
		default:
			return fmt.Errorf("%w: rule %s has unknown action %q", ErrInvalidRule, r.ID, act.Type)
		}
	}
	return nil
}

// Matches reports whether ev satisfies every condition
func (r Rule) Matches(ev Event) bool {
	for _, c := range r.Conditions {
		if !c.matches(ev) {
			return false
		}
	}
	return true
}

func (c Condition) matches(ev Event) bool {
	actual, present := eventField(ev, c.Field)
	switch c.Operator {
	case OpEquals:
		return present && fmt.Sprint(actual) == fmt.Sprint(c.Value)
	case OpNotEquals:
		return !present || fmt.Sprint(actual) != fmt.Sprint(c.Value)
	case OpGreaterThan, OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !present || !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	case OpContains:
		return present && strings.Contains(fmt.Sprint(actual), fmt.Sprint(c.Value))
	case OpIn:
		if !present {
			return false
		}
		values, ok := c.Value.([]string)
		if !ok {
			return false
		}
		return containsString(values, fmt.Sprint(actual))
	}
	return false
}

func eventField(ev Event, field string) (interface{}, bool) {
	switch field {
	case "event_type":
		return string(ev.Type), true
	case "severity":
		return string(ev.Severity), true
	case "user_id":
		return ev.UserID, ev.UserID != ""
	case "ip":
		return ev.IP, true
	case "risk_score":
		return ev.RiskScore, true
	}
	v, ok := ev.Metadata[field]
	return v, ok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func typeIs(t EventType) Condition {
	return Condition{Field: "event_type", Operator: OpEquals, Value: string(t)}
}

// DefaultRules returns the correlation catalog
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "brute_force_detection", Name: "Brute Force Detection",
			Description: "Repeated failed logins from one source",
			Enabled:     true, Severity: core.SeverityHigh,
			Conditions: []Condition{typeIs(EventFailedLogin)},
			Actions: []RuleAction{
				{Type: RuleBlockIP, Duration: 30 * time.Minute},
				{Type: RuleAlert, Message: "Brute force attempt detected"},
			},
			Threshold: 5, Window: 5 * time.Minute,
		},
		{
			ID: "anomalous_data_access", Name: "Anomalous Data Access",
			Description: "Unusual access patterns on medical data",
			Enabled:     true, Severity: core.SeverityMedium,
			Conditions: []Condition{
				typeIs(EventAnomalousAccess),
				{Field: "medical_data", Operator: OpEquals, Value: true},
			},
			Actions: []RuleAction{
				{Type: RuleRequire2FA},
				{Type: RuleAlert, Message: "Anomalous access to medical data"},
			},
			Threshold: 3, Window: 10 * time.Minute,
		},
		{
			ID: "off_hours_access", Name: "Off-Hours Access",
			Description: "Access outside business hours by non-emergency staff",
			Enabled:     true, Severity: core.SeverityMedium,
			Conditions: []Condition{
				typeIs(EventOffHoursAccess),
				{Field: "business_hours", Operator: OpEquals, Value: false},
				{Field: "role", Operator: OpNotEquals, Value: "emergency_staff"},
			},
			Actions: []RuleAction{
				{Type: RuleAlert, Message: "Off-hours access detected"},
				{Type: RuleLog, Level: "warning"},
			},
			Threshold: 1, Window: time.Hour,
		},
		{
			ID: "suspicious_location", Name: "Suspicious Location",
			Description: "Access from a high-risk country not seen for the user",
			Enabled:     true, Severity: core.SeverityHigh,
			Conditions: []Condition{typeIs(EventUnusualLocation)},
			Actions: []RuleAction{
				{Type: RuleRequire2FA},
				{Type: RuleAlert, Message: "Access from suspicious location"},
			},
			Threshold: 1, Window: 5 * time.Minute,
		},
		{
			ID: "rapid_data_access", Name: "Rapid Data Access",
			Description: "Request bursts consistent with data exfiltration",
			Enabled:     true, Severity: core.SeverityCritical,
			Conditions: []Condition{typeIs(EventRapidDataAccess)},
			Actions: []RuleAction{
				{Type: RuleBlockUser, Duration: time.Hour},
				{Type: RuleEscalate, Level: "security_team"},
			},
			Threshold: 50, Window: time.Minute,
		},
		{
			ID: "privilege_escalation", Name: "Privilege Escalation",
			Description: "Non-admin access to administrative paths",
			Enabled:     true, Severity: core.SeverityCritical,
			Conditions: []Condition{
				typeIs(EventPrivilegeEscalation),
				{Field: "role", Operator: OpNotEquals, Value: "admin"},
			},
			Actions: []RuleAction{
				{Type: RuleBlockUser, Duration: 2 * time.Hour},
				{Type: RuleEscalate, Level: "ciso"},
			},
			Threshold: 1, Window: 5 * time.Minute,
		},
	}
}

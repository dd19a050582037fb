package waf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"vitaview/core"
	"vitaview/util"
)

// Category groups rules for statistics
type Category string

const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryFileUpload       Category = "file_upload"
	CategoryRateLimiting     Category = "rate_limiting"
	CategoryMedicalData      Category = "medical_data_protection"
)

// Action is what the firewall does when a rule triggers
type Action string

const (
	ActionBlock     Action = "block"
	ActionChallenge Action = "challenge"
	ActionRateLimit Action = "rate_limit"
	ActionLog       Action = "log"
)

func (a Action) valid() bool {
	switch a {
	case ActionBlock, ActionChallenge, ActionRateLimit, ActionLog:
		return true
	}
	return false
}

// Matcher decides whether a rule triggers. content lazily serializes the
// request so predicate-only rule sets never pay for it.
type Matcher interface {
	Match(req *core.Request, content func() string, now time.Time) (bool, error)
}

// PatternMatcher matches a regexp2 pattern against the serialized request
type PatternMatcher struct {
	pattern *util.Pattern
}

// NewPatternMatcher validates and compiles pattern case-insensitively
func NewPatternMatcher(pattern string, timeout time.Duration) (*PatternMatcher, error) {
	if err := util.ValidateComplexity(pattern); err != nil {
		return nil, err
	}
	p, err := util.CompilePattern(pattern, true, timeout)
	if err != nil {
		return nil, err
	}
	return &PatternMatcher{pattern: p}, nil
}

// Match runs the pattern
func (m *PatternMatcher) Match(_ *core.Request, content func() string, _ time.Time) (bool, error) {
	return m.pattern.Match("waf", content())
}

// Pattern returns the source pattern
func (m *PatternMatcher) Pattern() string {
	return m.pattern.String()
}

// PredicateMatcher runs a function that may hold its own state
type PredicateMatcher struct {
	Fn func(req *core.Request, now time.Time) bool
}

// Match calls Fn
func (m PredicateMatcher) Match(req *core.Request, _ func() string, now time.Time) (bool, error) {
	return m.Fn(req, now), nil
}

// Rule is one firewall signature
type Rule struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Category      Category      `json:"category"`
	Severity      core.Severity `json:"severity"`
	Action        Action        `json:"action"`
	BlockDuration time.Duration `json:"block_duration,omitempty"`
	Enabled       bool          `json:"enabled"`
	Matcher       Matcher       `json:"-"`

	// RateLimit feeds the X-RateLimit-* headers of rate_limit rules
	RateLimit *LimitConfig `json:"rate_limit,omitempty"`
}

// RuleInfo is the read-only view returned by Rules
type RuleInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Category      Category      `json:"category"`
	Severity      core.Severity `json:"severity"`
	Action        Action        `json:"action"`
	BlockDuration time.Duration `json:"block_duration,omitempty"`
	Enabled       bool          `json:"enabled"`
	Kind          string        `json:"kind"`
	Pattern       string        `json:"pattern,omitempty"`
}

func (r *Rule) info() RuleInfo {
	ri := RuleInfo{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Category:      r.Category,
		Severity:      r.Severity,
		Action:        r.Action,
		BlockDuration: r.BlockDuration,
		Enabled:       r.Enabled,
		Kind:          "predicate",
	}
	if pm, ok := r.Matcher.(*PatternMatcher); ok {
		ri.Kind = "pattern"
		ri.Pattern = pm.Pattern()
	}
	return ri
}

func (r *Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.Matcher == nil {
		return fmt.Errorf("%w: rule %s has no matcher", ErrInvalidRule, r.ID)
	}
	if !r.Action.valid() {
		return fmt.Errorf("%w: rule %s has unknown action %q", ErrInvalidRule, r.ID, r.Action)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: rule %s has unknown severity %q", ErrInvalidRule, r.ID, r.Severity)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("%w: rule %s has negative block duration", ErrInvalidRule, r.ID)
	}
	return nil
}

type patternRule struct {
	id, name, description string
	category              Category
	severity              core.Severity
	action                Action
	block                 time.Duration
	pattern               string
}

var signatureRules = []patternRule{
	{"sql_injection_1", "SQL Injection - UNION Attacks", "Detects UNION SELECT injection attempts",
		CategorySQLInjection, core.SeverityCritical, ActionBlock, time.Hour,
		`(\bUNION\b.*\bSELECT\b)|(\bUNION\b.*\bALL\b.*\bSELECT\b)`},
	{"sql_injection_2", "SQL Injection - Boolean Based", "Detects tautology-based injection such as OR 1=1",
		CategorySQLInjection, core.SeverityCritical, ActionBlock, time.Hour,
		`(\bAND\b|\bOR\b)\s*(\d+\s*=\s*\d+|'\w*'\s*=\s*'\w*')`},
	{"sql_injection_3", "SQL Injection - Time Based", "Detects time-delay injection functions",
		CategorySQLInjection, core.SeverityCritical, ActionBlock, 2 * time.Hour,
		`(sleep|benchmark|waitfor)\s*\(|pg_sleep\s*\(`},
	{"xss_1", "XSS - Script Tags", "Detects script tags and javascript: URLs",
		CategoryXSS, core.SeverityHigh, ActionBlock, 30 * time.Minute,
		`<script[^>]*>.*?</script>|<script[^>]*/?>|javascript:`},
	{"xss_2", "XSS - Event Handlers", "Detects inline DOM event handlers",
		CategoryXSS, core.SeverityHigh, ActionBlock, 30 * time.Minute,
		`on(load|error|click|mouse|focus|blur|change|submit)\s*=`},
	{"xss_3", "XSS - Data URLs", "Detects base64 data URLs that are not images",
		CategoryXSS, core.SeverityMedium, ActionLog, 0,
		`data:(?!image/)[^;]*;.*base64`},
	{"path_traversal_1", "Path Traversal - Directory Navigation", "Detects ../ sequences",
		CategoryPathTraversal, core.SeverityHigh, ActionBlock, time.Hour,
		`\.\.[/\\]|[/\\]\.\.[/\\]|[/\\]\.\.$|^\.\.[/\\]`},
	{"path_traversal_2", "Path Traversal - Encoded", "Detects URL-encoded ../ sequences",
		CategoryPathTraversal, core.SeverityHigh, ActionBlock, time.Hour,
		`(%2e%2e[%2f%5c]|%2e%2e$|^%2e%2e)`},
	{"command_injection_1", "Command Injection - Shell Commands", "Detects chained shell commands and substitutions",
		CategoryCommandInjection, core.SeverityCritical, ActionBlock, 2 * time.Hour,
		"(?:;|\\|\\||&&)\\s*(?:cat|ls|whoami|pwd|netstat|ps)\\b|[`$]\\(|\\$\\{"},
}

var (
	medicalEndpoint = regexp.MustCompile(`/(exams|health-metrics|diagnoses|medications)`)

	dangerousExtensions = []string{".exe", ".bat", ".cmd", ".com", ".pif", ".scr", ".vbs", ".js", ".jar", ".php", ".asp", ".jsp"}
)

// defaultRules builds the catalog. The stateful predicates share the
// firewall's limiters.
func (f *Firewall) defaultRules() ([]*Rule, error) {
	rules := make([]*Rule, 0, len(signatureRules)+4)
	for _, pr := range signatureRules {
		m, err := NewPatternMatcher(pr.pattern, f.cfg.RegexTimeout)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", pr.id, err)
		}
		rules = append(rules, &Rule{
			ID:            pr.id,
			Name:          pr.name,
			Description:   pr.description,
			Category:      pr.category,
			Severity:      pr.severity,
			Action:        pr.action,
			BlockDuration: pr.block,
			Enabled:       true,
			Matcher:       m,
		})
	}

	medicalLimit := f.cfg.MedicalRapidLimit
	generalLimit := f.cfg.GeneralLimit

	rules = append(rules,
		&Rule{
			ID:          "medical_data_1",
			Name:        "Medical Data - Large Data Export",
			Description: "Detects bulk export attempts on medical endpoints",
			Category:    CategoryMedicalData,
			Severity:    core.SeverityHigh,
			Action:      ActionChallenge,
			Enabled:     true,
			Matcher:     PredicateMatcher{Fn: f.largeExport},
		},
		&Rule{
			ID:          "medical_data_2",
			Name:        "Medical Data - Rapid Access",
			Description: "Detects unusually fast access to medical endpoints",
			Category:    CategoryMedicalData,
			Severity:    core.SeverityMedium,
			Action:      ActionRateLimit,
			Enabled:     true,
			Matcher:     PredicateMatcher{Fn: f.rapidMedicalAccess},
			RateLimit:   &medicalLimit,
		},
		&Rule{
			ID:            "file_upload_1",
			Name:          "File Upload - Malicious Extensions",
			Description:   "Blocks uploads of executable or script files",
			Category:      CategoryFileUpload,
			Severity:      core.SeverityHigh,
			Action:        ActionBlock,
			BlockDuration: time.Hour,
			Enabled:       true,
			Matcher:       PredicateMatcher{Fn: dangerousUpload},
		},
		&Rule{
			ID:          "rate_limit_1",
			Name:        "Rate Limiting - General",
			Description: "General per-IP request limit",
			Category:    CategoryRateLimiting,
			Severity:    core.SeverityMedium,
			Action:      ActionRateLimit,
			Enabled:     true,
			Matcher:     PredicateMatcher{Fn: f.generalRateLimit},
			RateLimit:   &generalLimit,
		},
	)
	return rules, nil
}

func (f *Firewall) largeExport(req *core.Request, _ time.Time) bool {
	if !medicalEndpoint.MatchString(req.Path) {
		return false
	}
	limit, err := strconv.Atoi(req.Query.Get("limit"))
	if err != nil {
		return false
	}
	return limit > f.config().ExportLimit
}

// rapidMedicalAccess counts medical-endpoint requests per IP and trips past
// the limit. Keys are prefixed so they never collide with the general limiter.
func (f *Firewall) rapidMedicalAccess(req *core.Request, now time.Time) bool {
	if !medicalEndpoint.MatchString(req.Path) {
		return false
	}
	return !f.medicalLimiter.Allow("medical_"+req.IP, now).Allowed
}

func (f *Firewall) generalRateLimit(req *core.Request, now time.Time) bool {
	return !f.generalLimiter.Allow(req.IP, now).Allowed
}

func dangerousUpload(req *core.Request, _ time.Time) bool {
	fileName := strings.ToLower(req.Header.Get("X-Filename"))
	if fileName == "" {
		return false
	}
	for _, ext := range dangerousExtensions {
		if strings.HasSuffix(fileName, ext) {
			return true
		}
	}
	return false
}

// Package waf is the first pipeline layer: single-request inspection against
// a signature catalog, IP allow/block lists and fixed-window rate limits.
package waf

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"vitaview/audit"
	"vitaview/core"
	"vitaview/metrics"
	"vitaview/util/goroutine"

	"go.uber.org/zap"
)

const (
	// RuleIPBlacklisted is the rule id reported for list or temporary blocks
	RuleIPBlacklisted = "IP_BLACKLISTED"
	// RuleRequestTooLarge is the rule id reported for oversized bodies
	RuleRequestTooLarge = "REQUEST_TOO_LARGE"

	// ProtectedBy is the X-WAF-Protected header value
	ProtectedBy = "VitaView-WAF-v1.0"

	limiterIdle     = 5 * time.Minute
	sweepInterval   = 5 * time.Minute
	reportInterval  = time.Hour
	maxTrackedStats = 10000
)

// Verdict is the result of Check
type Verdict struct {
	Allowed   bool        `json:"allowed"`
	Code      string      `json:"code,omitempty"`
	RuleID    string      `json:"rule_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Reference string      `json:"reference,omitempty"`
	Headers   http.Header `json:"-"`
	Challenge bool        `json:"challenge,omitempty"`
	Triggered []string    `json:"triggered,omitempty"`
}

// Firewall inspects requests. It is safe for concurrent use.
type Firewall struct {
	cfgMu sync.RWMutex
	cfg   Config

	whitelist *core.IPSet
	blacklist *core.IPSet
	blocks    BlockList

	rulesMu sync.RWMutex
	rules   []*Rule

	generalLimiter *FixedWindowLimiter
	medicalLimiter *FixedWindowLimiter

	stats *statsCollector

	audit  audit.Logger
	logger *zap.SugaredLogger
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Firewall
type Option func(*Firewall)

// WithBlockList overrides the in-memory block list
func WithBlockList(bl BlockList) Option {
	return func(f *Firewall) { f.blocks = bl }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(f *Firewall) { f.now = now }
}

// New builds a firewall with the default rule catalog
func New(cfg Config, auditLogger audit.Logger, logger *zap.SugaredLogger, opts ...Option) (*Firewall, error) {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	whitelist, err := core.NewIPSet(cfg.Whitelist...)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	blacklist, err := core.NewIPSet(cfg.Blacklist...)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}

	f := &Firewall{
		cfg:            cfg,
		whitelist:      whitelist,
		blacklist:      blacklist,
		blocks:         NewMemoryBlockList(),
		generalLimiter: NewFixedWindowLimiter(cfg.GeneralLimit),
		medicalLimiter: NewFixedWindowLimiter(cfg.MedicalRapidLimit),
		stats:          newStatsCollector(),
		audit:          auditLogger,
		logger:         logger,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	rules, err := f.defaultRules()
	if err != nil {
		return nil, err
	}
	f.rules = rules
	return f, nil
}

func (f *Firewall) config() Config {
	f.cfgMu.RLock()
	defer f.cfgMu.RUnlock()
	return f.cfg
}

// Check runs the ordered checks: blacklist or temporary block, whitelist,
// size ceiling, then enabled rules in catalog order.
func (f *Firewall) Check(ctx context.Context, req *core.Request) Verdict {
	cfg := f.config()
	if !cfg.Enabled {
		return Verdict{Allowed: true, Headers: securityHeaders()}
	}

	now := f.now()
	f.stats.request(req.Country)

	if f.blacklist.Contains(req.IP) {
		return f.block(ctx, req, nil, RuleIPBlacklisted, "IP is blacklisted", nil)
	}
	blocked, err := f.blocks.IsBlocked(ctx, req.IP)
	if err != nil {
		f.logger.Warnw("WAF block list lookup failed", "ip", req.IP, "error", err)
	}
	if blocked {
		return f.block(ctx, req, nil, RuleIPBlacklisted, "IP is temporarily blocked", nil)
	}

	if f.whitelist.Contains(req.IP) {
		metrics.WAFRequests.WithLabelValues("whitelisted").Inc()
		return Verdict{Allowed: true, Headers: securityHeaders()}
	}

	if cfg.MaxRequestSize > 0 && req.ContentLength > cfg.MaxRequestSize {
		return f.block(ctx, req, nil, RuleRequestTooLarge, "Request body too large", nil)
	}

	var (
		content     string
		contentDone bool
	)
	contentFn := func() string {
		if !contentDone {
			content = req.Content(core.FieldURL, core.FieldMethod, core.FieldHeaders, core.FieldQuery, core.FieldBody, core.FieldPath)
			contentDone = true
		}
		return content
	}

	verdict := Verdict{Allowed: true, Headers: make(http.Header)}
	for _, rule := range f.activeRules() {
		if rule.Category == CategoryRateLimiting && !cfg.RateLimitEnabled {
			continue
		}

		matched, err := f.evaluate(rule, req, contentFn, now)
		if err != nil {
			f.logger.Warnw("WAF rule evaluation failed, skipping rule", "rule_id", rule.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}

		f.ruleTriggered(ctx, req, rule)
		verdict.Triggered = append(verdict.Triggered, rule.ID)

		switch rule.Action {
		case ActionBlock:
			if rule.BlockDuration > 0 {
				if err := f.blocks.Block(ctx, req.IP, rule.BlockDuration); err != nil {
					f.logger.Errorw("Failed to register temporary IP block", "ip", req.IP, "rule_id", rule.ID, "error", err)
				}
			}
			return f.block(ctx, req, rule, rule.ID, rule.Description, verdict.Headers)

		case ActionChallenge:
			verdict.Challenge = true
			verdict.Headers.Set("X-WAF-Challenge", "required")
			verdict.Headers.Set("X-WAF-Rule", rule.ID)

		case ActionRateLimit:
			setRateLimitHeaders(verdict.Headers, rule, cfg, now)
			if cfg.BlockMaliciousRequests {
				return f.block(ctx, req, rule, rule.ID, "Rate limit exceeded", verdict.Headers)
			}

		case ActionLog:
		}
	}

	if cfg.LogAllRequests {
		f.audit.Log(ctx, audit.ActionWAFEvent, req.UserID(), req, map[string]interface{}{
			"event": "REQUEST_ALLOWED",
		})
	}

	for k, v := range securityHeaders() {
		verdict.Headers[k] = v
	}
	outcome := "allowed"
	if verdict.Challenge {
		outcome = "challenged"
	}
	metrics.WAFRequests.WithLabelValues(outcome).Inc()
	return verdict
}

// evaluate isolates a rule so a panicking predicate is treated as a rule error
func (f *Firewall) evaluate(rule *Rule, req *core.Request, content func() string, now time.Time) (matched bool, err error) {
	err = goroutine.Guard("waf rule "+rule.ID, f.logger, func() error {
		var mErr error
		matched, mErr = rule.Matcher.Match(req, content, now)
		return mErr
	})
	return matched, err
}

func (f *Firewall) ruleTriggered(ctx context.Context, req *core.Request, rule *Rule) {
	f.stats.triggered(rule, req.IP)
	metrics.WAFRuleTriggers.WithLabelValues(rule.ID, string(rule.Action)).Inc()

	f.audit.Log(ctx, audit.ActionWAFEvent, req.UserID(), req, map[string]interface{}{
		"event":     "RULE_TRIGGERED",
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"category":  string(rule.Category),
		"severity":  string(rule.Severity),
		"action":    string(rule.Action),
	})

	fields := []interface{}{"rule_id", rule.ID, "ip", req.IP, "path", req.Path, "action", rule.Action}
	if rule.Severity == core.SeverityCritical {
		f.logger.Errorw("WAF critical rule triggered", fields...)
	} else {
		f.logger.Warnw("WAF rule triggered", fields...)
	}
}

func (f *Firewall) block(ctx context.Context, req *core.Request, rule *Rule, ruleID, reason string, headers http.Header) Verdict {
	ref := core.NewReference("WAF")
	f.stats.blocked()
	metrics.WAFRequests.WithLabelValues("blocked").Inc()

	meta := map[string]interface{}{
		"rule_id":    ruleID,
		"reason":     reason,
		"ip":         req.IP,
		"user_agent": req.UserAgent(),
		"reference":  ref,
	}
	if rule != nil {
		meta["category"] = string(rule.Category)
		meta["severity"] = string(rule.Severity)
	}
	f.audit.Log(ctx, audit.ActionWAFBlocked, req.UserID(), req, meta)

	if headers == nil {
		headers = make(http.Header)
	}
	return Verdict{
		Allowed:   false,
		Code:      core.CodeWAFBlocked,
		RuleID:    ruleID,
		Reason:    reason,
		Reference: ref,
		Headers:   headers,
	}
}

func setRateLimitHeaders(h http.Header, rule *Rule, cfg Config, now time.Time) {
	limit := cfg.GeneralLimit
	if rule.RateLimit != nil {
		limit = *rule.RateLimit
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Max))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(limit.Window).Unix(), 10))
}

func securityHeaders() http.Header {
	h := make(http.Header)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("X-WAF-Protected", ProtectedBy)
	return h
}

func (f *Firewall) activeRules() []*Rule {
	f.rulesMu.RLock()
	defer f.rulesMu.RUnlock()
	out := make([]*Rule, 0, len(f.rules))
	for _, r := range f.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Rules returns every rule in catalog order
func (f *Firewall) Rules() []RuleInfo {
	f.rulesMu.RLock()
	defer f.rulesMu.RUnlock()
	out := make([]RuleInfo, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r.info())
	}
	return out
}

// ActiveRules returns the enabled rules
func (f *Firewall) ActiveRules() []RuleInfo {
	var out []RuleInfo
	for _, r := range f.Rules() {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// ToggleRule enables or disables a rule
func (f *Firewall) ToggleRule(ctx context.Context, ruleID string, enabled bool, actor string) error {
	f.rulesMu.Lock()
	var found *Rule
	for _, r := range f.rules {
		if r.ID == ruleID {
			found = r
			break
		}
	}
	if found == nil {
		f.rulesMu.Unlock()
		return fmt.Errorf("toggle %q: %w", ruleID, ErrRuleNotFound)
	}
	// Replace rather than mutate so concurrent Check snapshots stay consistent
	cp := *found
	cp.Enabled = enabled
	for i, r := range f.rules {
		if r == found {
			f.rules[i] = &cp
		}
	}
	f.rulesMu.Unlock()

	f.configChanged(ctx, actor, map[string]interface{}{"rule_id": ruleID, "enabled": enabled, "change": "toggle_rule"})
	return nil
}

// AddRule appends a custom rule
func (f *Firewall) AddRule(ctx context.Context, rule Rule, actor string) error {
	if err := rule.validate(); err != nil {
		return err
	}
	f.rulesMu.Lock()
	for _, r := range f.rules {
		if r.ID == rule.ID {
			f.rulesMu.Unlock()
			return fmt.Errorf("add %q: %w", rule.ID, ErrRuleExists)
		}
	}
	f.rules = append(f.rules, &rule)
	f.rulesMu.Unlock()

	f.configChanged(ctx, actor, map[string]interface{}{"rule_id": rule.ID, "change": "add_rule"})
	return nil
}

// RemoveRule deletes a rule
func (f *Firewall) RemoveRule(ctx context.Context, ruleID, actor string) error {
	f.rulesMu.Lock()
	idx := -1
	for i, r := range f.rules {
		if r.ID == ruleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		f.rulesMu.Unlock()
		return fmt.Errorf("remove %q: %w", ruleID, ErrRuleNotFound)
	}
	next := make([]*Rule, 0, len(f.rules)-1)
	next = append(next, f.rules[:idx]...)
	f.rules = append(next, f.rules[idx+1:]...)
	f.rulesMu.Unlock()

	f.configChanged(ctx, actor, map[string]interface{}{"rule_id": ruleID, "change": "remove_rule"})
	return nil
}

// WhitelistIP adds an IP or CIDR to the allow list
func (f *Firewall) WhitelistIP(ctx context.Context, entry, actor string) error {
	if err := f.whitelist.Add(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	f.configChanged(ctx, actor, map[string]interface{}{"ip": entry, "change": "whitelist_ip"})
	return nil
}

// BlacklistIP adds an IP or CIDR to the permanent block list
func (f *Firewall) BlacklistIP(ctx context.Context, entry, actor string) error {
	if err := f.blacklist.Add(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	f.configChanged(ctx, actor, map[string]interface{}{"ip": entry, "change": "blacklist_ip"})
	return nil
}

// UnblockIP removes entry from the blacklist and any temporary block
func (f *Firewall) UnblockIP(ctx context.Context, entry, actor string) error {
	if !core.IsValidIPOrCIDR(entry) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, entry)
	}
	f.blacklist.Remove(entry)
	if err := f.blocks.Unblock(ctx, entry); err != nil {
		return fmt.Errorf("failed to remove temporary block: %w", err)
	}
	f.generalLimiter.Reset(entry)
	f.medicalLimiter.Reset("medical_" + entry)
	f.configChanged(ctx, actor, map[string]interface{}{"ip": entry, "change": "unblock_ip"})
	return nil
}

// IsBlocked reports whether ip is blacklisted or temporarily blocked
func (f *Firewall) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if f.blacklist.Contains(ip) {
		return true, nil
	}
	return f.blocks.IsBlocked(ctx, ip)
}

// UpdateConfig applies a partial config change
func (f *Firewall) UpdateConfig(ctx context.Context, update ConfigUpdate, actor string) Config {
	f.cfgMu.Lock()
	changed := update.apply(&f.cfg)
	cfg := f.cfg
	f.cfgMu.Unlock()

	if len(changed) > 0 {
		f.configChanged(ctx, actor, map[string]interface{}{"fields": changed, "change": "update_config"})
	}
	return cfg
}

// Config returns a copy of the current config with the live lists
func (f *Firewall) Config() Config {
	cfg := f.config()
	cfg.Whitelist = f.whitelist.List()
	cfg.Blacklist = f.blacklist.List()
	return cfg
}

func (f *Firewall) configChanged(ctx context.Context, actor string, meta map[string]interface{}) {
	f.audit.Log(ctx, audit.ActionWAFConfigChanged, actor, nil, meta)
	f.logger.Infow("WAF configuration changed", "actor", actor, "change", meta["change"])
}

// Statistics returns a snapshot of the counters plus current block state
func (f *Firewall) Statistics(ctx context.Context) Statistics {
	s := f.stats.snapshot()
	s.BlacklistedIPs = f.blacklist.List()
	if ips, err := f.blocks.List(ctx); err == nil {
		sort.Strings(ips)
		s.TemporarilyBlocked = ips
	} else {
		f.logger.Warnw("Failed to list temporary blocks", "error", err)
	}
	s.ActiveRules = len(f.activeRules())
	return s
}

// ResetStatistics zeroes the counters
func (f *Firewall) ResetStatistics() {
	f.stats.reset()
}

// Sweep drops idle limiter entries and expired blocks
func (f *Firewall) Sweep(now time.Time) {
	removed := f.generalLimiter.Sweep(now, limiterIdle) + f.medicalLimiter.Sweep(now, limiterIdle)
	expired := f.blocks.Sweep(now)
	if removed > 0 || expired > 0 {
		f.logger.Debugw("WAF sweep", "limiter_entries_removed", removed, "blocks_expired", expired)
	}
}

// Start runs the periodic sweep and hourly statistics report
func (f *Firewall) Start() {
	f.wg.Add(1)
	goroutine.Go("waf-maintenance", f.logger, func() {
		defer f.wg.Done()
		sweep := time.NewTicker(sweepInterval)
		report := time.NewTicker(reportInterval)
		defer sweep.Stop()
		defer report.Stop()

		for {
			select {
			case <-sweep.C:
				f.Sweep(f.now())
			case <-report.C:
				s := f.stats.snapshot()
				f.logger.Infow("WAF hourly statistics",
					"total_requests", s.TotalRequests,
					"blocked_requests", s.BlockedRequests,
					"suspicious_requests", s.SuspiciousRequests,
					"top_attack_types", s.TopAttackTypes)
			case <-f.stopCh:
				return
			}
		}
	})
}

// Stop halts background maintenance; safe to call more than once
func (f *Firewall) Stop() {
	f.once.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

// Package detect is the intrusion detection layer. It scores each request
// from threat intelligence, per-user behavior and attack signatures, then
// correlates the resulting events with those retained from earlier requests.
package detect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"vitaview/audit"
	"vitaview/core"
	"vitaview/metrics"
	"vitaview/threat"
	"vitaview/util/goroutine"

	"go.uber.org/zap"
)

const (
	businessHourStart = 7
	businessHourEnd   = 19
	topThreatCount    = 10
)

var medicalPath = regexp.MustCompile(`/(exams|health-metrics|diagnoses|medications|reports)`)

// Analyzer is safe for concurrent use
type Analyzer struct {
	cfg        Config
	intel      *threat.Intel
	profiles   *profileStore
	signatures []Signature
	stages     []stage

	rulesMu sync.RWMutex
	rules   []Rule

	events       *eventStore
	blockedIPs   *expiringSet
	blockedUsers *expiringSet

	subsMu      sync.RWMutex
	subscribers []func(Event)

	audit  audit.Logger
	logger *zap.SugaredLogger
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type stage struct {
	name string
	run  func(*analysisState) error
}

// analysisState accumulates one request's findings across stages
type analysisState struct {
	ctx     context.Context
	req     *core.Request
	now     time.Time
	score   int
	events  []Event
	actions []string
}

func (st *analysisState) add(ev Event, actions ...string) {
	ev.Actions = append(ev.Actions, actions...)
	st.events = append(st.events, ev)
	st.actions = append(st.actions, actions...)
	st.score += ev.RiskScore
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithRules replaces the default correlation catalog
func WithRules(rules []Rule) Option {
	return func(a *Analyzer) { a.rules = append([]Rule(nil), rules...) }
}

// NewAnalyzer builds an analyzer over intel
func NewAnalyzer(cfg Config, intel *threat.Intel, auditLogger audit.Logger, logger *zap.SugaredLogger, opts ...Option) (*Analyzer, error) {
	if intel == nil {
		return nil, fmt.Errorf("threat intel is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	profiles, err := newProfileStore(cfg.MaxProfiles)
	if err != nil {
		return nil, err
	}
	sigs, err := compileSignatures(cfg.RegexTimeout)
	if err != nil {
		return nil, err
	}

	a := &Analyzer{
		cfg:          cfg,
		intel:        intel,
		profiles:     profiles,
		signatures:   sigs,
		rules:        DefaultRules(),
		events:       newEventStore(cfg.MaxEvents),
		blockedIPs:   newExpiringSet(),
		blockedUsers: newExpiringSet(),
		audit:        auditLogger,
		logger:       logger,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, r := range a.rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}

	a.stages = []stage{
		{"blocklist", a.blocklistStage},
		{"threat_intel", a.intelStage},
		{"behavior", a.behaviorStage},
		{"signatures", a.signatureStage},
	}
	return a, nil
}

// AnalyzeRequest scores req. Each stage is isolated: an error or panic adds
// no risk and records a single detection_error event instead.
func (a *Analyzer) AnalyzeRequest(ctx context.Context, req *core.Request) Analysis {
	st := &analysisState{ctx: ctx, req: req, now: a.now()}

	for _, s := range a.stages {
		s := s
		mark := len(st.events)
		markActions := len(st.actions)
		score := st.score
		err := goroutine.Guard("ids stage "+s.name, a.logger, func() error { return s.run(st) })
		if err != nil {
			// discard partial findings from the failed stage
			st.events = st.events[:mark]
			st.actions = st.actions[:markActions]
			st.score = score
			a.stageFailed(st, s.name, err)
		}
	}

	var correlated []string
	err := goroutine.Guard("ids correlation", a.logger, func() error {
		correlated = a.correlate(ctx, req.IP, req.UserID(), st.events, st.now)
		return nil
	})
	if err != nil {
		a.stageFailed(st, "correlation", err)
	}
	st.actions = append(st.actions, correlated...)

	a.record(ctx, req, st.events)

	analysis := Analysis{
		Threat:    st.score > a.cfg.ThreatThreshold,
		RiskScore: st.score,
		Events:    st.events,
		Actions:   dedupe(st.actions),
	}
	if analysis.Events == nil {
		analysis.Events = []Event{}
	}
	metrics.IDSRiskScore.Observe(float64(st.score))
	if analysis.Threat {
		a.logger.Warnw("IDS threat detected",
			"ip", req.IP,
			"user_id", req.UserID(),
			"risk_score", st.score,
			"actions", analysis.Actions)
	}
	return analysis
}

// ShouldBlock reports whether the analysis warrants refusing the request
func (a *Analyzer) ShouldBlock(an Analysis) bool {
	return an.Threat && an.RiskScore > a.cfg.BlockThreshold
}

func (a *Analyzer) stageFailed(st *analysisState, name string, err error) {
	a.logger.Errorw("IDS stage failed, continuing without its risk",
		"stage", name, "path", st.req.Path, "error", err)
	st.add(newEvent(EventDetectionError, core.SeverityMedium, st.now, st.req,
		"Internal error in security analysis", 0,
		map[string]interface{}{"stage": name, "error": err.Error()}))
}

func (a *Analyzer) blocklistStage(st *analysisState) error {
	if a.blockedIPs.contains(st.req.IP, st.now) {
		st.add(newEvent(EventUnauthorizedAccess, core.SeverityCritical, st.now, st.req,
			"Access attempt from blocked IP "+st.req.IP, 100, nil),
			ActionBlockRequest)
	}
	if uid := st.req.UserID(); uid != "" && a.blockedUsers.contains(uid, st.now) {
		st.add(newEvent(EventUnauthorizedAccess, core.SeverityHigh, st.now, st.req,
			"Access attempt by blocked user "+uid, 80, nil),
			ActionBlockRequest)
	}
	return nil
}

func (a *Analyzer) intelStage(st *analysisState) error {
	if a.intel.IsMaliciousIP(st.req.IP) {
		st.add(newEvent(EventSuspiciousBehavior, core.SeverityHigh, st.now, st.req,
			"Access from known malicious IP "+st.req.IP, 80,
			map[string]interface{}{"source": "threat_intel"}),
			ActionBlockIP, ActionAlertSecurity)
	}
	if tool, ok := a.intel.MatchUserAgent(st.req.UserAgent()); ok {
		st.add(newEvent(EventSuspiciousBehavior, core.SeverityMedium, st.now, st.req,
			"Suspicious user agent detected: "+tool, 60,
			map[string]interface{}{"suspicious_ua": tool}),
			ActionRequireCaptcha, ActionAlertModerate)
	}
	return nil
}

func (a *Analyzer) behaviorStage(st *analysisState) error {
	p := st.req.Principal
	if p == nil || p.ID == "" {
		return nil
	}
	hour := st.now.Hour()
	d := a.profiles.observe(p.ID, observation{
		ip:        st.req.IP,
		userAgent: st.req.UserAgent(),
		country:   st.req.Country,
		hour:      hour,
		now:       st.now,
	})

	medical := medicalPath.MatchString(st.req.Path)
	before := st.score

	if d.newIP {
		st.add(newEvent(EventAnomalousAccess, core.SeverityMedium, st.now, st.req,
			"Access from an IP unusual for the user", 40,
			map[string]interface{}{"known_ips": d.knownIPs, "medical_data": medical, "role": p.Role}))
	}
	if d.newHour {
		st.add(newEvent(EventOffHoursAccess, core.SeverityLow, st.now, st.req,
			fmt.Sprintf("Access outside usual hours: %dh", hour), 20,
			map[string]interface{}{
				"hour":           hour,
				"usual_hours":    d.knownHours,
				"business_hours": hour >= businessHourStart && hour < businessHourEnd,
				"role":           p.Role,
			}))
	}
	if d.newUserAgent {
		st.add(newEvent(EventAnomalousAccess, core.SeverityLow, st.now, st.req,
			"Unusual user agent for the user", 15,
			map[string]interface{}{"medical_data": medical, "role": p.Role}))
	}
	if d.newLocation && a.intel.IsHighRiskCountry(st.req.Country) {
		st.add(newEvent(EventUnusualLocation, core.SeverityHigh, st.now, st.req,
			"Access from high-risk location "+st.req.Country, 25,
			map[string]interface{}{"country": st.req.Country, "geo_risk": a.intel.GeoRisk(st.req.Country)}))
	}
	if limit := a.cfg.RapidAccessPerMinute; limit > 0 && d.requestsThisMinute > limit {
		st.add(newEvent(EventRapidDataAccess, core.SeverityHigh, st.now, st.req,
			"Request rate consistent with data exfiltration", 50,
			map[string]interface{}{"requests_per_minute": d.requestsThisMinute, "medical_data": medical}),
			ActionRateLimit)
	}
	if prefix := a.cfg.AdminPathPrefix; prefix != "" && strings.HasPrefix(st.req.Path, prefix) && !a.isAdminRole(p.Role) {
		st.add(newEvent(EventPrivilegeEscalation, core.SeverityHigh, st.now, st.req,
			"Administrative path requested by non-admin role", 30,
			map[string]interface{}{"path": st.req.Path, "role": p.Role}))
	}

	if added := st.score - before; added > 0 {
		a.profiles.recordAnomaly(p.ID, added)
	}
	return nil
}

func (a *Analyzer) isAdminRole(role string) bool {
	for _, r := range a.cfg.AdminRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// correlate runs every enabled rule over fresh and returns the applied
// response actions. Retained events only count once a fresh event matches.
func (a *Analyzer) correlate(ctx context.Context, ip, userID string, fresh []Event, now time.Time) []string {
	var actions []string
	for _, rule := range a.enabledRules() {
		var matched []Event
		for _, ev := range fresh {
			if rule.Matches(ev) {
				matched = append(matched, ev)
			}
		}
		if len(matched) == 0 {
			continue
		}

		count := len(matched)
		if rule.Threshold > count {
			count += a.events.countSince(now.Add(-rule.Window), func(ev Event) bool {
				sameSource := ev.IP == ip || (userID != "" && ev.UserID == userID)
				return sameSource && rule.Matches(ev)
			})
		}
		if count < rule.Threshold {
			continue
		}

		a.logger.Warnw("IDS correlation rule triggered",
			"rule_id", rule.ID, "ip", ip, "user_id", userID, "count", count)
		for _, act := range rule.Actions {
			if applied := a.apply(ctx, rule, act, ip, userID, matched); applied != "" {
				actions = append(actions, applied)
			}
		}
	}
	return actions
}

func (a *Analyzer) apply(ctx context.Context, rule Rule, act RuleAction, ip, userID string, matched []Event) string {
	dur := act.Duration
	if dur <= 0 {
		dur = a.cfg.DefaultBlockDuration
	}
	var applied string

	switch act.Type {
	case RuleBlockIP:
		if ip == "" {
			return ""
		}
		a.block(ctx, a.blockedIPs, audit.ActionIPBlocked, "ip", ip, "", dur, rule.ID)
		applied = ActionBlockIP

	case RuleBlockUser:
		if userID == "" {
			return ""
		}
		a.block(ctx, a.blockedUsers, audit.ActionUserBlocked, "user_id", userID, userID, dur, rule.ID)
		applied = ActionBlockUser

	case RuleAlert:
		a.audit.Log(ctx, audit.ActionSecurityAlert, userID, nil, map[string]interface{}{
			"rule_id":   rule.ID,
			"rule":      rule.Name,
			"severity":  string(rule.Severity),
			"message":   act.Message,
			"ip":        ip,
			"event_ids": eventIDs(matched),
		})
		a.logger.Warnw("SECURITY ALERT", "rule_id", rule.ID, "message", act.Message, "ip", ip, "user_id", userID)
		applied = ActionAlert

	case RuleEscalate:
		a.audit.Log(ctx, audit.ActionSecurityEscalation, userID, nil, map[string]interface{}{
			"rule_id":          rule.ID,
			"rule":             rule.Name,
			"severity":         string(rule.Severity),
			"escalation_level": act.Level,
			"ip":               ip,
			"event_ids":        eventIDs(matched),
		})
		a.logger.Errorw("SECURITY ESCALATION", "rule_id", rule.ID, "level", act.Level, "ip", ip, "user_id", userID)
		applied = ActionEscalate

	case RuleRequire2FA:
		applied = ActionRequire2FA
	case RuleRateLimit:
		applied = ActionRateLimit
	case RuleLog:
		a.logger.Infow("IDS rule logged", "rule_id", rule.ID, "level", act.Level, "ip", ip, "user_id", userID)
		applied = ActionLog
	}

	if applied != ActionBlockIP && applied != ActionBlockUser {
		a.audit.Log(ctx, audit.ActionIDSResponse, userID, nil, map[string]interface{}{
			"rule_id": rule.ID,
			"action":  applied,
			"ip":      ip,
		})
	}
	metrics.IDSActions.WithLabelValues(applied).Inc()
	return applied
}

func (a *Analyzer) block(ctx context.Context, set *expiringSet, action, field, key, userID string, dur time.Duration, reason string) {
	if dur <= 0 {
		dur = a.cfg.DefaultBlockDuration
	}
	until := set.add(key, a.now().Add(dur))
	a.audit.Log(ctx, action, userID, nil, map[string]interface{}{
		field:        key,
		"duration":   dur.String(),
		"expires_at": until,
		"reason":     reason,
	})
	a.logger.Warnw("IDS block applied", field, key, "duration", dur, "reason", reason)
}

// record audits, stores and publishes events
func (a *Analyzer) record(ctx context.Context, req *core.Request, events []Event) {
	for _, ev := range events {
		a.audit.Log(ctx, audit.ActionSecurityEvent, ev.UserID, req, map[string]interface{}{
			"event_id":    ev.ID,
			"type":        string(ev.Type),
			"severity":    string(ev.Severity),
			"risk_score":  ev.RiskScore,
			"description": ev.Description,
			"actions":     ev.Actions,
		})
		metrics.IDSEvents.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
	}
	a.events.append(events...)
	for _, ev := range events {
		a.notify(ev)
	}
}

func (a *Analyzer) notify(ev Event) {
	a.subsMu.RLock()
	subs := append([]func(Event){}, a.subscribers...)
	a.subsMu.RUnlock()
	for _, fn := range subs {
		func() {
			defer goroutine.Recover("ids subscriber", a.logger)
			fn(ev)
		}()
	}
}

// Subscribe registers fn for every recorded event. A panicking subscriber
// is logged and does not affect the others.
func (a *Analyzer) Subscribe(fn func(Event)) {
	a.subsMu.Lock()
	a.subscribers = append(a.subscribers, fn)
	a.subsMu.Unlock()
}

// ReportEvent records an event raised outside request analysis, such as a
// failed login, and runs correlation for its source.
func (a *Analyzer) ReportEvent(ctx context.Context, ev Event) []string {
	now := a.now()
	ev = withDefaults(ev, now)
	var actions []string
	_ = goroutine.Guard("ids correlation", a.logger, func() error {
		actions = a.correlate(ctx, ev.IP, ev.UserID, []Event{ev}, now)
		return nil
	})
	a.record(ctx, nil, []Event{ev})
	return actions
}

func withDefaults(ev Event, now time.Time) Event {
	base := newEvent(ev.Type, ev.Severity, now, nil, ev.Description, ev.RiskScore, ev.Metadata)
	if ev.ID != "" {
		base.ID = ev.ID
	}
	base.UserID = ev.UserID
	base.UserAgent = ev.UserAgent
	base.Actions = ev.Actions
	if ev.IP != "" {
		base.IP = ev.IP
	}
	if !ev.Timestamp.IsZero() {
		base.Timestamp = ev.Timestamp
	}
	if base.Severity == "" {
		base.Severity = core.SeverityLow
	}
	return base
}

// BlockIP blocks ip for d, or for the default block duration when d is not
// positive.
func (a *Analyzer) BlockIP(ctx context.Context, ip string, d time.Duration, reason string) error {
	if strings.TrimSpace(ip) == "" {
		return ErrInvalidTarget
	}
	a.block(ctx, a.blockedIPs, audit.ActionIPBlocked, "ip", ip, "", d, reason)
	return nil
}

// UnblockIP lifts an IP block and reports whether one existed
func (a *Analyzer) UnblockIP(ctx context.Context, ip string) bool {
	ok := a.blockedIPs.remove(ip)
	if ok {
		a.audit.Log(ctx, audit.ActionIPUnblocked, "", nil, map[string]interface{}{"ip": ip})
	}
	return ok
}

// BlockUser blocks userID for d, or for the default block duration when d
// is not positive.
func (a *Analyzer) BlockUser(ctx context.Context, userID string, d time.Duration, reason string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidTarget
	}
	a.block(ctx, a.blockedUsers, audit.ActionUserBlocked, "user_id", userID, userID, d, reason)
	return nil
}

// UnblockUser lifts a user block and reports whether one existed
func (a *Analyzer) UnblockUser(ctx context.Context, userID string) bool {
	ok := a.blockedUsers.remove(userID)
	if ok {
		a.audit.Log(ctx, audit.ActionUserUnblocked, userID, nil, map[string]interface{}{"user_id": userID})
	}
	return ok
}

// IsIPBlocked reports whether ip has an unexpired block
func (a *Analyzer) IsIPBlocked(ip string) bool {
	return a.blockedIPs.contains(ip, a.now())
}

// IsUserBlocked reports whether userID has an unexpired block
func (a *Analyzer) IsUserBlocked(userID string) bool {
	return a.blockedUsers.contains(userID, a.now())
}

// Profile returns a copy of the user's behavior profile
func (a *Analyzer) Profile(userID string) (Profile, bool) {
	return a.profiles.get(userID)
}

// Rules returns the correlation catalog
func (a *Analyzer) Rules() []Rule {
	a.rulesMu.RLock()
	defer a.rulesMu.RUnlock()
	return append([]Rule(nil), a.rules...)
}

// SetRuleEnabled toggles a correlation rule
func (a *Analyzer) SetRuleEnabled(id string, enabled bool) error {
	a.rulesMu.Lock()
	defer a.rulesMu.Unlock()
	for i := range a.rules {
		if a.rules[i].ID == id {
			a.rules[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%q: %w", id, ErrRuleNotFound)
}

func (a *Analyzer) enabledRules() []Rule {
	a.rulesMu.RLock()
	defer a.rulesMu.RUnlock()
	out := make([]Rule, 0, len(a.rules))
	for _, r := range a.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Statistics summarizes events inside window
type Statistics struct {
	TotalEvents      int            `json:"total_events"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	EventsByType     map[string]int `json:"events_by_type"`
	BlockedIPs       int            `json:"blocked_ips"`
	BlockedUsers     int            `json:"blocked_users"`
	TopThreats       []Event        `json:"top_threats"`
	Profiles         int            `json:"profiles"`
	ThreatIntel      threat.Summary `json:"threat_intel"`
}

// Statistics returns counts over the last window (24h when zero)
func (a *Analyzer) Statistics(window time.Duration) Statistics {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := a.now()
	recent := a.events.since(now.Add(-window))

	s := Statistics{
		TotalEvents:      len(recent),
		EventsBySeverity: make(map[string]int),
		EventsByType:     make(map[string]int),
		BlockedIPs:       a.blockedIPs.count(now),
		BlockedUsers:     a.blockedUsers.count(now),
		Profiles:         a.profiles.len(),
		ThreatIntel:      a.intel.Summary(),
	}
	for _, ev := range recent {
		s.EventsBySeverity[string(ev.Severity)]++
		s.EventsByType[string(ev.Type)]++
	}
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].RiskScore > recent[j].RiskScore })
	if len(recent) > topThreatCount {
		recent = recent[:topThreatCount]
	}
	s.TopThreats = recent
	return s
}

// Sweep prunes retained events, expired blocks, stale profiles and expired IOCs
func (a *Analyzer) Sweep(now time.Time) {
	events := a.events.prune(now.Add(-a.cfg.EventRetention))
	blocks := a.blockedIPs.sweep(now) + a.blockedUsers.sweep(now)
	profiles := 0
	if a.cfg.ProfileTTL > 0 {
		profiles = a.profiles.sweep(now.Add(-a.cfg.ProfileTTL))
	}
	iocs := a.intel.Sweep(now)
	if events+blocks+profiles+iocs > 0 {
		a.logger.Debugw("IDS sweep",
			"events_pruned", events,
			"blocks_expired", blocks,
			"profiles_removed", profiles,
			"iocs_expired", iocs)
	}
}

// Start runs the periodic sweep and threat intel refresh
func (a *Analyzer) Start() {
	sweepEvery := a.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = DefaultConfig().SweepInterval
	}
	refreshEvery := a.cfg.IntelRefreshInterval
	if refreshEvery <= 0 {
		refreshEvery = DefaultConfig().IntelRefreshInterval
	}

	a.wg.Add(1)
	goroutine.Go("ids-maintenance", a.logger, func() {
		defer a.wg.Done()
		sweep := time.NewTicker(sweepEvery)
		refresh := time.NewTicker(refreshEvery)
		defer sweep.Stop()
		defer refresh.Stop()

		for {
			select {
			case <-sweep.C:
				a.Sweep(a.now())
			case <-refresh.C:
				// Refresh logs its own failures and keeps the previous data
				_ = a.intel.Refresh()
			case <-a.stopCh:
				return
			}
		}
	})
}

// Stop halts background maintenance; safe to call more than once
func (a *Analyzer) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func eventIDs(events []Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

func dedupe(actions []string) []string {
	out := make([]string, 0, len(actions))
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

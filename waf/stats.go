package waf

import (
	"sync"
)

// Statistics aggregates firewall activity since start or the last reset
type Statistics struct {
	TotalRequests      int64            `json:"total_requests"`
	BlockedRequests    int64            `json:"blocked_requests"`
	SuspiciousRequests int64            `json:"suspicious_requests"`
	TopAttackTypes     map[string]int64 `json:"top_attack_types"`
	TopBlockedIPs      map[string]int64 `json:"top_blocked_ips"`
	RequestsByCountry  map[string]int64 `json:"requests_by_country"`
	RuleTriggers       map[string]int64 `json:"rule_triggers"`
	BlacklistedIPs     []string         `json:"blacklisted_ips"`
	TemporarilyBlocked []string         `json:"temporarily_blocked"`
	ActiveRules        int              `json:"active_rules"`
}

type statsCollector struct {
	mu sync.Mutex
	s  Statistics
}

func newStatsCollector() *statsCollector {
	c := &statsCollector{}
	c.reset()
	return c
}

func (c *statsCollector) reset() {
	c.mu.Lock()
	c.s = Statistics{
		TopAttackTypes:    make(map[string]int64),
		TopBlockedIPs:     make(map[string]int64),
		RequestsByCountry: make(map[string]int64),
		RuleTriggers:      make(map[string]int64),
	}
	c.mu.Unlock()
}

func (c *statsCollector) request(country string) {
	c.mu.Lock()
	c.s.TotalRequests++
	if country != "" {
		bump(c.s.RequestsByCountry, country)
	}
	c.mu.Unlock()
}

func (c *statsCollector) triggered(rule *Rule, ip string) {
	c.mu.Lock()
	c.s.SuspiciousRequests++
	bump(c.s.TopAttackTypes, string(rule.Category))
	bump(c.s.RuleTriggers, rule.ID)
	bump(c.s.TopBlockedIPs, ip)
	c.mu.Unlock()
}

func (c *statsCollector) blocked() {
	c.mu.Lock()
	c.s.BlockedRequests++
	c.mu.Unlock()
}

func (c *statsCollector) snapshot() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	out.TopAttackTypes = copyCounts(c.s.TopAttackTypes)
	out.TopBlockedIPs = copyCounts(c.s.TopBlockedIPs)
	out.RequestsByCountry = copyCounts(c.s.RequestsByCountry)
	out.RuleTriggers = copyCounts(c.s.RuleTriggers)
	return out
}

// bump increments key, ignoring new keys once the map is at capacity
func bump(m map[string]int64, key string) {
	if _, ok := m[key]; !ok && len(m) >= maxTrackedStats {
		return
	}
	m[key]++
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Package threat holds the threat intelligence consulted by the intrusion
// detection analyzer: known-bad addresses, attack-tool user agents and
// per-country risk.
package threat

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"vitaview/core"

	"go.uber.org/zap"
)

// HighRiskThreshold is the geolocation risk at or above which a country is high risk
const HighRiskThreshold = 0.7

// DefaultMaliciousIPs seeds the static address list
var DefaultMaliciousIPs = []string{"192.168.1.100", "10.0.0.50"}

// DefaultSuspiciousUserAgents are attack-tool substrings matched case-insensitively
var DefaultSuspiciousUserAgents = []string{"sqlmap", "nikto", "nmap", "burp", "owasp zap", "acunetix", "nessus"}

// DefaultGeolocationRisks maps ISO country codes to risk in [0,1]
var DefaultGeolocationRisks = map[string]float64{
	"CN": 0.7,
	"RU": 0.7,
	"KP": 0.9,
	"IR": 0.8,
}

// Intel is a concurrency-safe snapshot of threat intelligence. Static data
// comes from defaults or a feed file; dynamic IOCs expire on their own TTL.
type Intel struct {
	mu          sync.RWMutex
	malicious   *core.IPSet
	userAgents  []string
	geoRisk     map[string]float64
	lastUpdated time.Time

	dynamic  *IOCCache
	feedPath string
	logger   *zap.SugaredLogger
}

// NewIntel returns intel seeded with the defaults. When feedPath is set the
// feed is loaded on top; a feed error is returned and the defaults remain.
func NewIntel(feedPath string, logger *zap.SugaredLogger) (*Intel, error) {
	malicious, err := core.NewIPSet(DefaultMaliciousIPs...)
	if err != nil {
		return nil, err
	}
	in := &Intel{
		malicious:   malicious,
		userAgents:  append([]string(nil), DefaultSuspiciousUserAgents...),
		geoRisk:     copyRisk(DefaultGeolocationRisks),
		lastUpdated: time.Now(),
		dynamic:     NewIOCCache(),
		feedPath:    feedPath,
		logger:      logger,
	}
	if feedPath != "" {
		if err := in.Refresh(); err != nil {
			return in, err
		}
	}
	return in, nil
}

// Refresh reloads the feed file. On error the previous data is kept.
func (in *Intel) Refresh() error {
	if in.feedPath == "" {
		in.mu.Lock()
		in.lastUpdated = time.Now()
		in.mu.Unlock()
		return nil
	}

	feed, err := LoadFeed(in.feedPath)
	if err != nil {
		in.logger.Warnw("Threat feed refresh failed, keeping previous data", "path", in.feedPath, "error", err)
		return err
	}
	if err := in.Apply(feed); err != nil {
		in.logger.Warnw("Threat feed rejected, keeping previous data", "path", in.feedPath, "error", err)
		return err
	}
	in.logger.Infow("Threat intelligence refreshed",
		"path", in.feedPath,
		"malicious_ips", len(feed.MaliciousIPs),
		"user_agents", len(feed.SuspiciousUserAgents),
		"iocs", len(feed.IOCs))
	return nil
}

// Apply replaces the static data with the feed's and merges its IOCs.
// Empty feed sections keep the current values.
func (in *Intel) Apply(feed *Feed) error {
	var next *core.IPSet
	if len(feed.MaliciousIPs) > 0 {
		set, err := core.NewIPSet(feed.MaliciousIPs...)
		if err != nil {
			return fmt.Errorf("invalid malicious_ips: %w", err)
		}
		next = set
	}

	in.mu.Lock()
	if next != nil {
		in.malicious = next
	}
	if len(feed.SuspiciousUserAgents) > 0 {
		uas := make([]string, 0, len(feed.SuspiciousUserAgents))
		for _, ua := range feed.SuspiciousUserAgents {
			uas = append(uas, strings.ToLower(strings.TrimSpace(ua)))
		}
		in.userAgents = uas
	}
	if len(feed.GeolocationRisks) > 0 {
		risk := make(map[string]float64, len(feed.GeolocationRisks))
		for country, r := range feed.GeolocationRisks {
			risk[strings.ToUpper(country)] = r
		}
		in.geoRisk = risk
	}
	in.lastUpdated = time.Now()
	in.mu.Unlock()

	for _, ioc := range feed.IOCs {
		in.AddIOC(ioc.IOC, ioc.TTL)
	}
	return nil
}

// AddIOC records a dynamic indicator for ttl
func (in *Intel) AddIOC(ioc IOC, ttl time.Duration) {
	now := time.Now()
	if ioc.FirstSeen.IsZero() {
		ioc.FirstSeen = now
	}
	ioc.LastSeen = now
	if ioc.Type == IOCTypeUserAgent {
		ioc.Value = strings.ToLower(strings.TrimSpace(ioc.Value))
	}
	in.dynamic.Set(ioc, ttl)
}

// RemoveIOC drops a dynamic indicator
func (in *Intel) RemoveIOC(value string) {
	in.dynamic.Delete(value)
}

// IsMaliciousIP reports whether ip is listed statically or as a live IOC
func (in *Intel) IsMaliciousIP(ip string) bool {
	in.mu.RLock()
	malicious := in.malicious
	in.mu.RUnlock()
	if malicious.Contains(ip) {
		return true
	}

	if ioc, ok := in.dynamic.Get(ip); ok && ioc.Type == IOCTypeIP {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	found := false
	in.dynamic.Each(func(ioc IOC) bool {
		if ioc.Type != IOCTypeCIDR {
			return true
		}
		if _, n, err := net.ParseCIDR(ioc.Value); err == nil && n.Contains(parsed) {
			found = true
			return false
		}
		return true
	})
	return found
}

// MatchUserAgent returns the attack-tool token found in ua, if any
func (in *Intel) MatchUserAgent(ua string) (string, bool) {
	if ua == "" {
		return "", false
	}
	lower := strings.ToLower(ua)

	in.mu.RLock()
	for _, token := range in.userAgents {
		if strings.Contains(lower, token) {
			in.mu.RUnlock()
			return token, true
		}
	}
	in.mu.RUnlock()

	var match string
	in.dynamic.Each(func(ioc IOC) bool {
		if ioc.Type == IOCTypeUserAgent && strings.Contains(lower, ioc.Value) {
			match = ioc.Value
			return false
		}
		return true
	})
	return match, match != ""
}

// GeoRisk returns the risk of a country code, 0 when unknown
func (in *Intel) GeoRisk(country string) float64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.geoRisk[strings.ToUpper(country)]
}

// IsHighRiskCountry reports whether country meets HighRiskThreshold
func (in *Intel) IsHighRiskCountry(country string) bool {
	return country != "" && in.GeoRisk(country) >= HighRiskThreshold
}

// LastUpdated returns when the static data was last refreshed
func (in *Intel) LastUpdated() time.Time {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lastUpdated
}

// Sweep drops expired dynamic IOCs
func (in *Intel) Sweep(now time.Time) int {
	return in.dynamic.Sweep(now)
}

// Summary describes the loaded intelligence
type Summary struct {
	MaliciousEntries  []string  `json:"malicious_entries"`
	UserAgents        []string  `json:"user_agents"`
	HighRiskCountries []string  `json:"high_risk_countries"`
	DynamicIOCs       int       `json:"dynamic_iocs"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Summary returns a snapshot for display
func (in *Intel) Summary() Summary {
	in.mu.RLock()
	s := Summary{
		MaliciousEntries: in.malicious.List(),
		UserAgents:       append([]string(nil), in.userAgents...),
		LastUpdated:      in.lastUpdated,
	}
	for country, risk := range in.geoRisk {
		if risk >= HighRiskThreshold {
			s.HighRiskCountries = append(s.HighRiskCountries, country)
		}
	}
	in.mu.RUnlock()
	sort.Strings(s.HighRiskCountries)
	s.DynamicIOCs = in.dynamic.Len()
	return s
}

func copyRisk(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

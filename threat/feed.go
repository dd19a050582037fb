package threat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vitaview/core"

	"gopkg.in/yaml.v3"
)

// maxFeedSize caps the feed file read from disk
const maxFeedSize = 10 << 20

// Feed is the on-disk threat intelligence document.
//
//	malicious_ips: ["203.0.113.7", "198.51.100.0/24"]
//	suspicious_user_agents: ["sqlmap", "nikto"]
//	geolocation_risks: {CN: 0.7, KP: 0.9}
//	iocs:
//	  - {type: ip, value: 192.0.2.10, source: partner, ttl: 24h}
type Feed struct {
	MaliciousIPs         []string           `yaml:"malicious_ips"`
	SuspiciousUserAgents []string           `yaml:"suspicious_user_agents"`
	GeolocationRisks     map[string]float64 `yaml:"geolocation_risks"`
	IOCs                 []FeedIOC          `yaml:"iocs"`
}

// FeedIOC is an expiring indicator listed in a feed
type FeedIOC struct {
	IOC `yaml:",inline"`
	TTL time.Duration `yaml:"ttl"`
}

// LoadFeed reads and validates a YAML feed file
func LoadFeed(path string) (*Feed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat threat feed: %w", err)
	}
	if info.Size() > maxFeedSize {
		return nil, fmt.Errorf("threat feed %s exceeds %d bytes", filepath.Base(path), maxFeedSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read threat feed: %w", err)
	}
	return ParseFeed(data)
}

// ParseFeed decodes and validates feed YAML
func ParseFeed(data []byte) (*Feed, error) {
	var feed Feed
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse threat feed: %w", err)
	}
	if err := feed.validate(); err != nil {
		return nil, err
	}
	return &feed, nil
}

func (f *Feed) validate() error {
	for _, entry := range f.MaliciousIPs {
		if !core.IsValidIPOrCIDR(entry) {
			return fmt.Errorf("invalid malicious_ips entry %q", entry)
		}
	}
	for _, ua := range f.SuspiciousUserAgents {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("empty suspicious_user_agents entry")
		}
	}
	for country, risk := range f.GeolocationRisks {
		if len(country) != 2 {
			return fmt.Errorf("invalid country code %q", country)
		}
		if risk < 0 || risk > 1 {
			return fmt.Errorf("geolocation risk for %s must be within [0,1], got %v", country, risk)
		}
	}
	for i, ioc := range f.IOCs {
		switch ioc.Type {
		case IOCTypeIP, IOCTypeCIDR:
			if !core.IsValidIPOrCIDR(ioc.Value) {
				return fmt.Errorf("iocs[%d]: invalid address %q", i, ioc.Value)
			}
		case IOCTypeUserAgent:
			if strings.TrimSpace(ioc.Value) == "" {
				return fmt.Errorf("iocs[%d]: empty user agent", i)
			}
		default:
			return fmt.Errorf("iocs[%d]: unsupported type %q", i, ioc.Type)
		}
	}
	return nil
}

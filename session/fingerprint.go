package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"vitaview/core"
)

var automatedAgents = []string{
	"bot", "crawler", "spider", "scraper",
	"curl", "wget", "python", "postman",
	"automated", "headless",
}

// isAutomatedAgent reports whether ua looks like a script or crawler.
func isAutomatedAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, marker := range automatedAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// Fingerprint hashes the client signals of req. The address contributes
// only its /24 (or /64) network so moves within a network keep the session.
func Fingerprint(req *core.Request) string {
	return fingerprintFor(req, req.IP)
}

func fingerprintFor(req *core.Request, ip string) string {
	parts := []string{
		req.UserAgent(),
		req.Header.Get("Accept-Language"),
		req.Header.Get("Accept-Encoding"),
		core.NetworkPrefix(ip),
		req.Header.Get("Sec-CH-UA"),
		req.Header.Get("Sec-CH-UA-Mobile"),
		req.Header.Get("Sec-CH-UA-Platform"),
	}
	components := parts[:0]
	for _, p := range parts {
		if p != "" {
			components = append(components, p)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:])
}

// AssessSecurityLevel scores transport and browser signals. 80 and above is
// HIGH, 60 and above MEDIUM.
func AssessSecurityLevel(req *core.Request) SecurityLevel {
	score := 0
	if req.TLS {
		score += 20
	}
	if ua := req.UserAgent(); len(ua) > 50 && !isAutomatedAgent(ua) {
		score += 15
	}
	for _, h := range []string{"Sec-Fetch-Site", "Sec-Fetch-Mode", "Sec-Fetch-Dest"} {
		if req.Header.Get(h) != "" {
			score += 10
		}
	}
	if ref := req.Header.Get("Referer"); ref != "" && req.Host != "" && strings.Contains(ref, req.Host) {
		score += 15
	}
	if req.Header.Get("Accept") != "" && req.Header.Get("Accept-Language") != "" {
		score += 10
	}

	switch {
	case score >= 80:
		return SecurityHigh
	case score >= 60:
		return SecurityMedium
	default:
		return SecurityLow
	}
}

// AssessDeviceTrust trusts browsers that send client hints and fetch
// metadata and do not identify as automation.
func AssessDeviceTrust(req *core.Request) DeviceTrust {
	if req.Header.Get("Sec-CH-UA") != "" && req.Header.Get("Sec-Fetch-Site") != "" && !isAutomatedAgent(req.UserAgent()) {
		return DeviceTrusted
	}
	return DeviceUnknown
}

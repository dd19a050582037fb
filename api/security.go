package api

import (
	"net"
	"net/http"
	"strings"

	"vitaview/core"
)

// remoteIP returns the direct peer address without the port
func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// getRealIP extracts the client IP. Forwarding headers are honored only when
// the direct peer is a trusted proxy.
func getRealIP(r *http.Request, trusted *core.IPSet) string {
	directIP := remoteIP(r)
	if trusted == nil || !trusted.Contains(directIP) {
		return directIP
	}

	// X-Forwarded-For can contain multiple IPs, the first is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}

	for _, header := range []string{"X-Real-IP", "X-Client-IP", "CF-Connecting-IP"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" && net.ParseIP(v) != nil {
			return v
		}
	}

	return directIP
}

// clientCountry trusts CF-IPCountry only from a trusted proxy
func clientCountry(r *http.Request, trusted *core.IPSet) string {
	if trusted == nil || !trusted.Contains(remoteIP(r)) {
		return ""
	}
	country := strings.ToUpper(strings.TrimSpace(r.Header.Get("CF-IPCountry")))
	if len(country) != 2 {
		return ""
	}
	return country
}

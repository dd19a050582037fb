package core

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

// NetworkPrefix returns the /24 (IPv4) or /64 (IPv6) network containing ip in
// CIDR notation. Unparseable input is returned unchanged.
func NetworkPrefix(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return (&net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}).String()
	}
	return (&net.IPNet{IP: parsed.Mask(net.CIDRMask(64, 128)), Mask: net.CIDRMask(64, 128)}).String()
}

// SamePrefix reports whether a and b fall in the same /24 (or /64) network.
func SamePrefix(a, b string) bool {
	if a == b {
		return true
	}
	pa, pb := net.ParseIP(a), net.ParseIP(b)
	if pa == nil || pb == nil {
		return false
	}
	return NetworkPrefix(a) == NetworkPrefix(b)
}

// IsValidIPOrCIDR checks if a string is a valid IP address or CIDR
func IsValidIPOrCIDR(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// IPSet is a concurrency-safe set of addresses and networks.
// The literal "localhost" expands to both loopback addresses.
type IPSet struct {
	mu   sync.RWMutex
	ips  map[string]struct{}
	nets map[string]*net.IPNet
}

// NewIPSet builds a set from IP and CIDR entries.
func NewIPSet(entries ...string) (*IPSet, error) {
	s := &IPSet{
		ips:  make(map[string]struct{}),
		nets: make(map[string]*net.IPNet),
	}
	for _, e := range entries {
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts an IP or CIDR.
func (s *IPSet) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.EqualFold(entry, "localhost") {
		s.ips["127.0.0.1"] = struct{}{}
		s.ips["::1"] = struct{}{}
		return nil
	}
	if ip := net.ParseIP(entry); ip != nil {
		s.ips[ip.String()] = struct{}{}
		return nil
	}
	_, ipNet, err := net.ParseCIDR(entry)
	if err != nil {
		return fmt.Errorf("invalid IP or CIDR %q", entry)
	}
	s.nets[ipNet.String()] = ipNet
	return nil
}

// Remove deletes an exact IP or CIDR entry.
func (s *IPSet) Remove(entry string) {
	entry = strings.TrimSpace(entry)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ip := net.ParseIP(entry); ip != nil {
		delete(s.ips, ip.String())
		return
	}
	if _, ipNet, err := net.ParseCIDR(entry); err == nil {
		delete(s.nets, ipNet.String())
	}
}

// Contains reports whether ip is listed or falls within a listed network.
func (s *IPSet) Contains(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.ips[parsed.String()]; ok {
		return true
	}
	for _, n := range s.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (s *IPSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ips) + len(s.nets)
}

// List returns all entries sorted.
func (s *IPSet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.ips)+len(s.nets))
	for ip := range s.ips {
		out = append(out, ip)
	}
	for n := range s.nets {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Replace swaps the contents of the set for entries. On error the set is left
// untouched.
func (s *IPSet) Replace(entries []string) error {
	next, err := NewIPSet(entries...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ips = next.ips
	s.nets = next.nets
	s.mu.Unlock()
	return nil
}

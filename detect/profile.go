package detect

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	maxProfileIPs        = 10
	maxProfileUserAgents = 5
	maxProfileLocations  = 10
)

// Profile is a user's rolling picture of normal access
type Profile struct {
	UserID           string    `json:"user_id"`
	CommonIPs        []string  `json:"common_ips"`
	UsualHours       []int     `json:"usual_hours"`
	CommonUserAgents []string  `json:"common_user_agents"`
	LocationHistory  []string  `json:"location_history"`
	AnomalyCount     int       `json:"anomaly_count"`
	RiskScore        int       `json:"risk_score"`
	LastUpdated      time.Time `json:"last_updated"`

	minuteStart time.Time
	minuteCount int
}

// observation is one request seen by the behavioral stage
type observation struct {
	ip, userAgent, country string
	hour                   int
	now                    time.Time
}

// deviation reports how an observation differs from the profile it was
// compared against, before that profile absorbed it
type deviation struct {
	newIP, newHour, newUserAgent, newLocation bool
	requestsThisMinute                        int
	knownIPs                                  []string
	knownHours                                []int
}

// profileStore bounds profiles with an LRU. The mutex makes compare-then-
// update a single step per user.
type profileStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Profile]
}

func newProfileStore(size int) (*profileStore, error) {
	if size <= 0 {
		size = DefaultConfig().MaxProfiles
	}
	cache, err := lru.New[string, *Profile](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile cache: %w", err)
	}
	return &profileStore{cache: cache}, nil
}

// observe compares obs against the user's profile, lazily creating it, and
// then folds obs into the profile unconditionally.
func (s *profileStore) observe(userID string, obs observation) deviation {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.cache.Get(userID)
	if !ok {
		p = &Profile{UserID: userID}
		s.cache.Add(userID, p)
	}

	d := deviation{
		newIP:        !containsString(p.CommonIPs, obs.ip),
		newHour:      !containsInt(p.UsualHours, obs.hour),
		newUserAgent: !containsString(p.CommonUserAgents, obs.userAgent),
		newLocation:  obs.country != "" && !containsString(p.LocationHistory, obs.country),
		knownIPs:     append([]string(nil), p.CommonIPs...),
		knownHours:   append([]int(nil), p.UsualHours...),
	}

	if p.minuteStart.IsZero() || obs.now.Sub(p.minuteStart) >= time.Minute {
		p.minuteStart = obs.now
		p.minuteCount = 0
	}
	p.minuteCount++
	d.requestsThisMinute = p.minuteCount

	if d.newIP {
		p.CommonIPs = pushCapped(p.CommonIPs, obs.ip, maxProfileIPs)
	}
	if d.newHour {
		p.UsualHours = append(p.UsualHours, obs.hour)
	}
	if d.newUserAgent {
		p.CommonUserAgents = pushCapped(p.CommonUserAgents, obs.userAgent, maxProfileUserAgents)
	}
	if d.newLocation {
		p.LocationHistory = pushCapped(p.LocationHistory, obs.country, maxProfileLocations)
	}
	p.LastUpdated = obs.now
	return d
}

// recordAnomaly adds score to the user's running risk
func (s *profileStore) recordAnomaly(userID string, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache.Peek(userID); ok {
		p.AnomalyCount++
		p.RiskScore += score
	}
}

// get returns a copy of the user's profile
func (s *profileStore) get(userID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cache.Peek(userID)
	if !ok {
		return Profile{}, false
	}
	cp := *p
	cp.CommonIPs = append([]string(nil), p.CommonIPs...)
	cp.UsualHours = append([]int(nil), p.UsualHours...)
	cp.CommonUserAgents = append([]string(nil), p.CommonUserAgents...)
	cp.LocationHistory = append([]string(nil), p.LocationHistory...)
	return cp, true
}

// sweep drops profiles not updated since cutoff
func (s *profileStore) sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range s.cache.Keys() {
		if p, ok := s.cache.Peek(key); ok && p.LastUpdated.Before(cutoff) {
			s.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *profileStore) len() int {
	return s.cache.Len()
}

func pushCapped(list []string, v string, max int) []string {
	list = append(list, v)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

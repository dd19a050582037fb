package detect

import (
	"sort"
	"sync"
	"time"
)

// eventStore retains events in arrival order, bounded by age and count
type eventStore struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

func newEventStore(max int) *eventStore {
	return &eventStore{max: max}
}

func (s *eventStore) append(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.events = append(s.events, events...)
	if s.max > 0 && len(s.events) > s.max {
		drop := len(s.events) - s.max
		s.events = append([]Event(nil), s.events[drop:]...)
	}
	s.mu.Unlock()
}

// countSince counts retained events at or after since for which match holds.
// It walks newest first and stops at the first older event.
func (s *eventStore) countSince(since time.Time, match func(Event) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.Timestamp.Before(since) {
			break
		}
		if match(ev) {
			n++
		}
	}
	return n
}

// since returns copies of events at or after t
func (s *eventStore) since(t time.Time) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Timestamp.Before(t)
	})
	return append([]Event(nil), s.events[idx:]...)
}

// prune drops events older than cutoff
func (s *eventStore) prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Timestamp.Before(cutoff)
	})
	if idx > 0 {
		s.events = append([]Event(nil), s.events[idx:]...)
	}
	return idx
}

func (s *eventStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// expiringSet maps keys to an expiry
type expiringSet struct {
	mu    sync.RWMutex
	until map[string]time.Time
}

func newExpiringSet() *expiringSet {
	return &expiringSet{until: make(map[string]time.Time)}
}

// add sets key until t, keeping a later existing expiry
func (s *expiringSet) add(key string, t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.until[key]; ok && cur.After(t) {
		return cur
	}
	s.until[key] = t
	return t
}

func (s *expiringSet) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.until[key]
	delete(s.until, key)
	return ok
}

func (s *expiringSet) contains(key string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.until[key]
	return ok && now.Before(t)
}

func (s *expiringSet) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, t := range s.until {
		if !now.Before(t) {
			delete(s.until, k)
			removed++
		}
	}
	return removed
}

func (s *expiringSet) count(now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.until {
		if now.Before(t) {
			n++
		}
	}
	return n
}

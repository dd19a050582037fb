package waf

import (
	"hash/fnv"
	"sync"
	"time"
)

const limiterShards = 32

// LimitResult is the outcome of one FixedWindowLimiter.Allow call
type LimitResult struct {
	Allowed bool
	Count   int
	Limit   int
	ResetAt time.Time
}

type windowEntry struct {
	count        int
	windowStart  time.Time
	blocked      bool
	blockedUntil time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

// FixedWindowLimiter counts requests per key in fixed windows. Each shard's
// mutex makes increment-then-compare a single step, so two concurrent
// requests cannot both observe count N and pass.
type FixedWindowLimiter struct {
	cfg    LimitConfig
	shards [limiterShards]*limiterShard
}

// NewFixedWindowLimiter creates a limiter for cfg
func NewFixedWindowLimiter(cfg LimitConfig) *FixedWindowLimiter {
	l := &FixedWindowLimiter{cfg: cfg}
	for i := range l.shards {
		l.shards[i] = &limiterShard{entries: make(map[string]*windowEntry)}
	}
	return l
}

func (l *FixedWindowLimiter) shard(key string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%limiterShards]
}

// Allow records one request for key at now. A key that tripped the limit
// stays blocked until blockedUntil even if a new window has started.
func (l *FixedWindowLimiter) Allow(key string, now time.Time) LimitResult {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	res := LimitResult{Limit: l.cfg.Max}
	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &windowEntry{count: 1, windowStart: now}
		res.Allowed = true
		res.Count = 1
		res.ResetAt = now.Add(l.cfg.Window)
		return res
	}

	if e.blocked {
		if now.Before(e.blockedUntil) {
			e.count++
			res.Count = e.count
			res.ResetAt = e.blockedUntil
			return res
		}
		e.blocked = false
		e.blockedUntil = time.Time{}
		e.count = 0
		e.windowStart = now
	}

	if now.Sub(e.windowStart) > l.cfg.Window {
		e.count = 0
		e.windowStart = now
	}

	e.count++
	res.Count = e.count
	res.ResetAt = e.windowStart.Add(l.cfg.Window)
	if e.count <= l.cfg.Max {
		res.Allowed = true
		return res
	}

	if l.cfg.BlockDuration > 0 {
		e.blocked = true
		e.blockedUntil = now.Add(l.cfg.BlockDuration)
		res.ResetAt = e.blockedUntil
	}
	return res
}

// Sweep drops entries whose window started more than idle ago and that are
// not currently blocked. It returns the number removed.
func (l *FixedWindowLimiter) Sweep(now time.Time, idle time.Duration) int {
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.blocked && now.Before(e.blockedUntil) {
				continue
			}
			if now.Sub(e.windowStart) > idle {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Reset forgets key
func (l *FixedWindowLimiter) Reset(key string) {
	s := l.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of tracked keys
func (l *FixedWindowLimiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

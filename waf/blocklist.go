package waf

import (
	"context"
	"strings"
	"sync"
	"time"

	"vitaview/core"
)

// BlockList holds temporary IP blocks registered by block rules
type BlockList interface {
	Block(ctx context.Context, ip string, ttl time.Duration) error
	Unblock(ctx context.Context, ip string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Sweep(now time.Time) int
}

// MemoryBlockList keeps blocks in process memory
type MemoryBlockList struct {
	mu      sync.RWMutex
	blocked map[string]time.Time
	now     func() time.Time
}

// NewMemoryBlockList creates an empty in-memory block list
func NewMemoryBlockList() *MemoryBlockList {
	return &MemoryBlockList{
		blocked: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Block registers ip until now+ttl, extending any shorter existing block
func (m *MemoryBlockList) Block(_ context.Context, ip string, ttl time.Duration) error {
	until := m.now().Add(ttl)
	m.mu.Lock()
	if cur, ok := m.blocked[ip]; !ok || until.After(cur) {
		m.blocked[ip] = until
	}
	m.mu.Unlock()
	return nil
}

// Unblock removes ip
func (m *MemoryBlockList) Unblock(_ context.Context, ip string) error {
	m.mu.Lock()
	delete(m.blocked, ip)
	m.mu.Unlock()
	return nil
}

// IsBlocked reports whether ip has an unexpired block
func (m *MemoryBlockList) IsBlocked(_ context.Context, ip string) (bool, error) {
	m.mu.RLock()
	until, ok := m.blocked[ip]
	m.mu.RUnlock()
	return ok && m.now().Before(until), nil
}

// List returns currently blocked IPs
func (m *MemoryBlockList) List(_ context.Context) ([]string, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.blocked))
	for ip, until := range m.blocked {
		if now.Before(until) {
			out = append(out, ip)
		}
	}
	return out, nil
}

// Sweep drops expired blocks
func (m *MemoryBlockList) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for ip, until := range m.blocked {
		if !now.Before(until) {
			delete(m.blocked, ip)
			removed++
		}
	}
	return removed
}

// RedisBlockList shares blocks across instances as waf:block:<ip> keys whose
// TTL is the block duration
type RedisBlockList struct {
	cache *core.RedisCache
}

type blockEntry struct {
	IP    string    `json:"ip"`
	Until time.Time `json:"until"`
}

// NewRedisBlockList wraps cache
func NewRedisBlockList(cache *core.RedisCache) *RedisBlockList {
	return &RedisBlockList{cache: cache}
}

// Block sets the key with ttl
func (r *RedisBlockList) Block(ctx context.Context, ip string, ttl time.Duration) error {
	return r.cache.Set(ctx, core.WAFBlockKey(ip), blockEntry{IP: ip, Until: time.Now().Add(ttl)}, ttl)
}

// Unblock deletes the key
func (r *RedisBlockList) Unblock(ctx context.Context, ip string) error {
	return r.cache.Delete(ctx, core.WAFBlockKey(ip))
}

// IsBlocked checks for the key
func (r *RedisBlockList) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return r.cache.Exists(ctx, core.WAFBlockKey(ip))
}

// List scans block keys
func (r *RedisBlockList) List(ctx context.Context) ([]string, error) {
	keys, err := r.cache.Keys(ctx, core.CacheKeyWAFBlockPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, core.CacheKeyWAFBlockPrefix))
	}
	return out, nil
}

// Sweep is a no-op; Redis expires keys itself
func (r *RedisBlockList) Sweep(time.Time) int {
	return 0
}

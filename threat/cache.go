package threat

import (
	"sync"
	"time"
)

// IOCCache holds dynamically reported indicators until their TTL elapses
type IOCCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	ioc        IOC
	expiration time.Time
}

// NewIOCCache creates a new IOC cache
func NewIOCCache() *IOCCache {
	return &IOCCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get retrieves an unexpired entry
func (c *IOCCache) Get(value string) (IOC, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[value]
	if !found || c.now().After(entry.expiration) {
		return IOC{}, false
	}
	return entry.ioc, true
}

// Set stores an entry; a non-positive ttl keeps it for a year
func (c *IOCCache) Set(ioc IOC, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[ioc.Value] = &cacheEntry{
		ioc:        ioc,
		expiration: c.now().Add(ttl),
	}
}

// Delete removes an entry
func (c *IOCCache) Delete(value string) {
	c.mu.Lock()
	delete(c.entries, value)
	c.mu.Unlock()
}

// Len returns the number of entries, expired or not
func (c *IOCCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes entries expired at now and returns how many were dropped
func (c *IOCCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiration) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Each calls fn for every unexpired entry until fn returns false
func (c *IOCCache) Each(fn func(IOC) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	for _, entry := range c.entries {
		if now.After(entry.expiration) {
			continue
		}
		if !fn(entry.ioc) {
			return
		}
	}
}

package api

import (
	"net/http"
	"time"

	"vitaview/core"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL         = time.Hour
	limiterCleanupInterval = 10 * time.Minute
)

// rateLimiterEntry holds a token bucket with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// authFailureEntry holds auth failure count and last failure time
type authFailureEntry struct {
	count    int
	lastFail time.Time
}

// limiterFor returns the token bucket for key, creating it on first use
func (a *API) limiterFor(key string) *rate.Limiter {
	now := a.now()
	a.rateLimitersMu.Lock()
	defer a.rateLimitersMu.Unlock()

	entry, exists := a.rateLimiters[key]
	if !exists {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(a.config.Management.RateLimit), a.config.Management.Burst),
		}
		a.rateLimiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// throttle limits management calls per client IP
func (a *API) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := remoteIP(r)
		if req, ok := RequestFrom(r.Context()); ok {
			key = req.IP
		}

		if !a.limiterFor(key).AllowN(a.now(), 1) {
			w.Header().Set("Retry-After", "1")
			a.writeSecurityError(w, http.StatusTooManyRequests, securityResponse{
				Error: "Too many requests",
				Code:  core.CodeRateLimited,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupLimiters drops idle token buckets and stale auth failures
func (a *API) cleanupLimiters(now time.Time) {
	a.rateLimitersMu.Lock()
	for key, entry := range a.rateLimiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(a.rateLimiters, key)
		}
	}
	a.rateLimitersMu.Unlock()

	a.authFailuresMu.Lock()
	for ip, entry := range a.authFailures {
		if now.Sub(entry.lastFail) > limiterIdleTTL {
			delete(a.authFailures, ip)
		}
	}
	a.authFailuresMu.Unlock()
}

func (a *API) runCleanup() {
	defer a.wg.Done()
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.cleanupLimiters(a.now())
		case <-a.stopCh:
			return
		}
	}
}

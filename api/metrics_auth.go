package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	maxAuthFailures    = 5
	authFailureLockout = 10 * time.Minute
	metricsRealmHeader = `Basic realm="VitaView metrics"`
)

// metricsAuthMiddleware guards /metrics with basic auth against the bcrypt
// hash from config. Repeated failures lock the source IP out for a while.
func (a *API) metricsAuthMiddleware(next http.Handler) http.Handler {
	hash := []byte(a.config.Management.MetricsPasswordHash)
	username := []byte(a.config.Management.MetricsUsername)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r, a.trustedProxies)
		now := a.now()

		a.authFailuresMu.Lock()
		entry, exists := a.authFailures[ip]
		if exists && entry.count >= maxAuthFailures && now.Sub(entry.lastFail) < authFailureLockout {
			a.authFailuresMu.Unlock()
			a.logger.Warnw("Metrics auth locked out", "ip", ip)
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		a.authFailuresMu.Unlock()

		user, password, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), username) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
			a.authFailuresMu.Lock()
			if entry, exists := a.authFailures[ip]; exists {
				entry.count++
				entry.lastFail = now
			} else {
				a.authFailures[ip] = &authFailureEntry{count: 1, lastFail: now}
			}
			a.authFailuresMu.Unlock()

			a.logger.Warnw("Failed metrics authentication", "ip", ip)
			w.Header().Set("WWW-Authenticate", metricsRealmHeader)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		a.authFailuresMu.Lock()
		delete(a.authFailures, ip)
		a.authFailuresMu.Unlock()

		next.ServeHTTP(w, r)
	})
}

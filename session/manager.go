package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vitaview/audit"
	"vitaview/core"
	"vitaview/metrics"
	"vitaview/util/goroutine"

	"go.uber.org/zap"
)

// suspiciousRetention bounds how long idle suspicious-activity counters live.
const suspiciousRetention = 24 * time.Hour

type failedAttempts struct {
	count       int
	first       time.Time
	last        time.Time
	lockedUntil time.Time
	ip          string
}

type suspiciousActivity struct {
	count int
	first time.Time
	last  time.Time
}

// Manager issues and validates sessions. It is safe for concurrent use.
// Validation and every state transition of a session hold that session's
// lock, so a session is never judged against a half-applied update. Session
// creation holds the owner's lock while it enforces the concurrent cap.
type Manager struct {
	cfg    Config
	store  Store
	signer *signer

	sessionLocks keyedMutex
	userLocks    keyedMutex

	attemptsMu sync.Mutex
	attempts   map[string]*failedAttempts
	suspicious map[string]*suspiciousActivity

	audit  audit.Logger
	logger *zap.SugaredLogger
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Manager
type Option func(*Manager)

// WithStore replaces the in-memory store
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager derives the signing key from cfg.Secret. An empty secret is
// replaced by a random one, which invalidates all sessions on restart.
func NewManager(cfg Config, auditLogger audit.Logger, logger *zap.SugaredLogger, opts ...Option) (*Manager, error) {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}

	secret := cfg.Secret
	switch {
	case len(secret) == 0:
		generated, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		secret = generated
		logger.Warnw("No session secret configured, using an ephemeral secret; sessions will not survive a restart")
	case len(secret) < MinSecretLength:
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrWeakSecret, len(secret), MinSecretLength)
	}
	key, err := deriveKey(secret, purposeTokenSigning)
	if err != nil {
		return nil, err
	}
	cfg.Secret = nil

	m := &Manager{
		cfg:        cfg,
		store:      NewMemoryStore(),
		signer:     &signer{key: key},
		attempts:   make(map[string]*failedAttempts),
		suspicious: make(map[string]*suspiciousActivity),
		audit:      auditLogger,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the active configuration without the secret.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreateSession starts a session for principalID bound to the client
// signals of req. When the user is at the concurrent cap the least recently
// active sessions are evicted first.
func (m *Manager) CreateSession(ctx context.Context, principalID, role string, req *core.Request) (*Token, error) {
	if principalID == "" {
		return nil, errors.New("session requires a principal")
	}
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	defer m.userLocks.lock(principalID)()

	if err := m.enforceLimit(ctx, principalID, req); err != nil {
		return nil, err
	}

	now := m.now()
	sess := &Session{
		ID:            id,
		UserID:        principalID,
		Role:          role,
		Fingerprint:   Fingerprint(req),
		IP:            req.IP,
		CreatedAt:     now,
		LastActivity:  now,
		IssuedAt:      now,
		SecurityLevel: AssessSecurityLevel(req),
		DeviceTrust:   AssessDeviceTrust(req),
		AccessPattern: []AccessRecord{},
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	token, err := m.issue(sess)
	if err != nil {
		_ = m.store.Delete(ctx, sess.ID)
		return nil, err
	}

	m.audit.Log(ctx, audit.ActionSessionCreated, principalID, req, map[string]interface{}{
		"session_id":     sess.ID,
		"security_level": string(sess.SecurityLevel),
		"device_trust":   string(sess.DeviceTrust),
	})
	m.logger.Infow("Session created",
		"user_id", principalID,
		"session_id", sess.ID,
		"security_level", sess.SecurityLevel)
	return token, nil
}

func (m *Manager) issue(sess *Session) (*Token, error) {
	expiresAt := sess.LastActivity.Add(m.cfg.InactivityTimeout)
	value, err := m.signer.sign(sess, expiresAt)
	if err != nil {
		return nil, err
	}
	return &Token{
		Value:          value,
		SessionID:      sess.ID,
		ExpiresAt:      expiresAt,
		AbsoluteExpiry: sess.CreatedAt.Add(m.cfg.AbsoluteTimeout),
		SecurityLevel:  sess.SecurityLevel,
	}, nil
}

func (m *Manager) enforceLimit(ctx context.Context, userID string, req *core.Request) error {
	if m.cfg.MaxConcurrent <= 0 {
		return nil
	}
	existing, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	if len(existing) < m.cfg.MaxConcurrent {
		return nil
	}

	sort.Slice(existing, func(i, j int) bool {
		return existing[i].LastActivity.Before(existing[j].LastActivity)
	})
	for _, victim := range existing[:len(existing)-m.cfg.MaxConcurrent+1] {
		unlock := m.sessionLocks.lock(victim.ID)
		err := m.store.Delete(ctx, victim.ID)
		unlock()
		if err != nil {
			return fmt.Errorf("evict session: %w", err)
		}
		m.audit.Log(ctx, audit.ActionSessionLimitExceeded, userID, req, map[string]interface{}{
			"removed_session": victim.ID,
			"limit":           m.cfg.MaxConcurrent,
		})
	}
	return nil
}

// ValidateSession checks the token on req. Checks run in a fixed order and
// the first failure wins. Tampered, expired, re-fingerprinted and relocated
// sessions are destroyed; a missing second factor only rejects the request.
func (m *Manager) ValidateSession(ctx context.Context, req *core.Request) Validation {
	v := m.validate(ctx, req)
	result := "valid"
	if !v.Valid {
		result = strings.ToLower(string(v.Reason))
	}
	metrics.SessionValidations.WithLabelValues(result).Inc()
	return v
}

func (m *Manager) validate(ctx context.Context, req *core.Request) Validation {
	raw := req.SessionToken()
	if raw == "" {
		return Validation{Reason: ReasonNoToken}
	}
	claims, err := m.signer.peek(raw)
	if err != nil {
		return Validation{Reason: ReasonNoToken}
	}

	defer m.sessionLocks.lock(claims.SessionID)()

	sess, err := m.store.Get(ctx, claims.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return Validation{Reason: ReasonNotFound}
	}
	if err != nil {
		m.logger.Errorw("Session store lookup failed", "session_id", claims.SessionID, "error", err)
		return Validation{Reason: ReasonStoreUnavailable}
	}

	if _, err := m.signer.verify(raw, sess.UserID); err != nil {
		m.destroy(ctx, sess)
		m.audit.Log(ctx, audit.ActionSessionTampered, sess.UserID, req, map[string]interface{}{
			"session_id": sess.ID,
			"error":      err.Error(),
		})
		m.logger.Warnw("Session token failed integrity check", "session_id", sess.ID, "ip", req.IP)
		return Validation{Reason: ReasonTampered}
	}

	now := m.now()
	if now.Sub(sess.CreatedAt) > m.cfg.AbsoluteTimeout {
		return m.expire(ctx, sess, req, ReasonAbsoluteTimeout)
	}
	inactivity := now.Sub(sess.LastActivity)
	if inactivity > m.cfg.InactivityTimeout {
		return m.expire(ctx, sess, req, ReasonInactivityTimeout)
	}

	if fp := Fingerprint(req); fp != sess.Fingerprint {
		// Only the network moved: report it as an address change.
		if fingerprintFor(req, sess.IP) == sess.Fingerprint && !core.SamePrefix(sess.IP, req.IP) {
			return m.reject(ctx, sess, req, ReasonIPChange, audit.ActionIPAddressChange, ActivityIPChange,
				map[string]interface{}{"original_ip": sess.IP, "new_ip": req.IP})
		}
		return m.reject(ctx, sess, req, ReasonFingerprint, audit.ActionFingerprintMismatch, ActivityFingerprintChange,
			map[string]interface{}{"expected": sess.Fingerprint, "received": fp})
	}
	if !core.SamePrefix(sess.IP, req.IP) {
		return m.reject(ctx, sess, req, ReasonIPChange, audit.ActionIPAddressChange, ActivityIPChange,
			map[string]interface{}{"original_ip": sess.IP, "new_ip": req.IP})
	}

	if m.cfg.RequireTwoFactor && !sess.TwoFactorVerified {
		m.audit.Log(ctx, audit.ActionTwoFactorRequired, sess.UserID, req, map[string]interface{}{
			"session_id": sess.ID,
		})
		return Validation{Reason: ReasonTwoFactorRequired, Session: sess}
	}

	shouldRenew := inactivity > m.cfg.RenewThreshold
	if exp := claims.expiry(); !exp.IsZero() && exp.Sub(now) < m.cfg.RenewThreshold {
		shouldRenew = true
	}

	sess.LastActivity = now
	sess.AccessPattern = append(sess.AccessPattern, AccessRecord{
		Timestamp: now,
		Path:      req.Path,
		Method:    req.Method,
		UserAgent: req.UserAgent(),
	})
	if limit := m.cfg.AccessPatternCap; limit > 0 && len(sess.AccessPattern) > limit {
		sess.AccessPattern = append([]AccessRecord(nil), sess.AccessPattern[len(sess.AccessPattern)-limit:]...)
	}
	if err := m.store.Put(ctx, sess); err != nil {
		m.logger.Errorw("Failed to record session activity", "session_id", sess.ID, "error", err)
		return Validation{Reason: ReasonStoreUnavailable}
	}

	return Validation{Valid: true, Session: sess, ShouldRenew: shouldRenew}
}

func (m *Manager) expire(ctx context.Context, sess *Session, req *core.Request, reason Reason) Validation {
	m.destroy(ctx, sess)
	m.audit.Log(ctx, audit.ActionSessionExpired, sess.UserID, req, map[string]interface{}{
		"session_id": sess.ID,
		"reason":     string(reason),
	})
	return Validation{Reason: reason}
}

func (m *Manager) reject(ctx context.Context, sess *Session, req *core.Request, reason Reason, action, activity string, meta map[string]interface{}) Validation {
	m.destroy(ctx, sess)
	meta["session_id"] = sess.ID
	m.audit.Log(ctx, action, sess.UserID, req, meta)
	m.logger.Warnw("Session invalidated",
		"reason", reason,
		"user_id", sess.UserID,
		"session_id", sess.ID,
		"ip", req.IP)
	m.flagSuspicious(ctx, sess.UserID, activity)
	return Validation{Reason: reason}
}

func (m *Manager) destroy(ctx context.Context, sess *Session) {
	if err := m.store.Delete(ctx, sess.ID); err != nil {
		m.logger.Errorw("Failed to delete session", "session_id", sess.ID, "error", err)
	}
}

// RenewSession mints a replacement token for a live session and resets its
// inactivity window.
func (m *Manager) RenewSession(ctx context.Context, sessionID string) (*Token, error) {
	defer m.sessionLocks.lock(sessionID)()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if now.Sub(sess.CreatedAt) > m.cfg.AbsoluteTimeout || now.Sub(sess.LastActivity) > m.cfg.InactivityTimeout {
		return nil, ErrSessionExpired
	}

	sess.LastActivity = now
	sess.IssuedAt = now
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	token, err := m.issue(sess)
	if err != nil {
		return nil, err
	}
	m.audit.Log(ctx, audit.ActionSessionRenewed, sess.UserID, nil, map[string]interface{}{
		"session_id": sess.ID,
	})
	return token, nil
}

// InvalidateSession ends a session on logout.
func (m *Manager) InvalidateSession(ctx context.Context, sessionID string) error {
	defer m.sessionLocks.lock(sessionID)()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.audit.Log(ctx, audit.ActionSessionInvalidated, sess.UserID, nil, map[string]interface{}{
		"session_id": sess.ID,
	})
	return nil
}

// Identify resolves a token to its principal without touching the session.
// It is used to attribute a request before the session layer runs.
func (m *Manager) Identify(ctx context.Context, raw string) (*core.Principal, bool) {
	if raw == "" {
		return nil, false
	}
	claims, err := m.signer.peek(raw)
	if err != nil {
		return nil, false
	}
	sess, err := m.store.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, false
	}
	if _, err := m.signer.verify(raw, sess.UserID); err != nil {
		return nil, false
	}
	now := m.now()
	if now.Sub(sess.CreatedAt) > m.cfg.AbsoluteTimeout || now.Sub(sess.LastActivity) > m.cfg.InactivityTimeout {
		return nil, false
	}
	return sess.Principal(), true
}

// Sessions returns the live sessions of userID.
func (m *Manager) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	return m.store.ListByUser(ctx, userID)
}

// RecordFailedAttempt counts a failure against key. Reaching the lockout
// threshold locks the key for the lockout duration. Returns the count.
func (m *Manager) RecordFailedAttempt(ctx context.Context, key, ip string) int {
	now := m.now()
	m.attemptsMu.Lock()
	rec, ok := m.attempts[key]
	if !ok {
		rec = &failedAttempts{first: now}
		m.attempts[key] = rec
	}
	rec.count++
	rec.last = now
	rec.ip = ip
	count := rec.count
	locked := m.cfg.LockoutThreshold > 0 && count >= m.cfg.LockoutThreshold
	if locked {
		rec.lockedUntil = now.Add(m.cfg.LockoutDuration)
	}
	m.attemptsMu.Unlock()

	if locked {
		m.audit.Log(ctx, audit.ActionBruteForceDetected, key, nil, map[string]interface{}{
			"attempts":     count,
			"ip":           ip,
			"locked_until": now.Add(m.cfg.LockoutDuration).Format(time.RFC3339),
		})
		m.logger.Warnw("Lockout threshold reached", "key", key, "attempts", count, "ip", ip)
	}
	return count
}

// IsLockedOut reports whether key is inside a lockout window.
func (m *Manager) IsLockedOut(key string) bool {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	rec, ok := m.attempts[key]
	return ok && m.now().Before(rec.lockedUntil)
}

// ResetFailedAttempts clears key after a successful authentication.
func (m *Manager) ResetFailedAttempts(key string) {
	m.attemptsMu.Lock()
	delete(m.attempts, key)
	m.attemptsMu.Unlock()
}

func (m *Manager) flagSuspicious(ctx context.Context, userID, kind string) {
	now := m.now()
	key := userID + ":" + kind

	m.attemptsMu.Lock()
	rec, ok := m.suspicious[key]
	if !ok {
		rec = &suspiciousActivity{first: now}
		m.suspicious[key] = rec
	}
	rec.count++
	rec.last = now
	count := rec.count
	m.attemptsMu.Unlock()

	if m.cfg.SuspiciousThreshold > 0 && count >= m.cfg.SuspiciousThreshold {
		m.audit.Log(ctx, audit.ActionSuspiciousThreshold, userID, nil, map[string]interface{}{
			"activity_type": kind,
			"count":         count,
		})
	}
}

// SuspiciousActivity returns the per-kind counters of userID.
func (m *Manager) SuspiciousActivity(userID string) map[string]int {
	prefix := userID + ":"
	out := make(map[string]int)
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	for key, rec := range m.suspicious {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = rec.count
		}
	}
	return out
}

// Sweep deletes sessions past either timeout and returns how many it removed.
func (m *Manager) Sweep(now time.Time) int {
	ctx := context.Background()
	all, err := m.store.List(ctx)
	if err != nil {
		m.logger.Errorw("Session sweep failed", "error", err)
		return 0
	}

	removed := 0
	for _, s := range all {
		if m.expired(s, now) && m.sweepOne(ctx, s.ID, now) {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Infow("Cleaned up expired sessions", "count", removed)
	}
	return removed
}

func (m *Manager) expired(s *Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) > m.cfg.AbsoluteTimeout || now.Sub(s.LastActivity) > m.cfg.InactivityTimeout
}

// sweepOne re-reads the session under its lock; a request may have
// refreshed it since the listing.
func (m *Manager) sweepOne(ctx context.Context, id string, now time.Time) bool {
	defer m.sessionLocks.lock(id)()
	s, err := m.store.Get(ctx, id)
	if err != nil || !m.expired(s, now) {
		return false
	}
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Errorw("Failed to delete expired session", "session_id", id, "error", err)
		return false
	}
	return true
}

// SweepFailedAttempts drops failure records idle for longer than the lockout
// duration and stale suspicious-activity counters.
func (m *Manager) SweepFailedAttempts(now time.Time) int {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	removed := 0
	for key, rec := range m.attempts {
		if now.Sub(rec.last) > m.cfg.LockoutDuration && !now.Before(rec.lockedUntil) {
			delete(m.attempts, key)
			removed++
		}
	}
	for key, rec := range m.suspicious {
		if now.Sub(rec.last) > suspiciousRetention {
			delete(m.suspicious, key)
		}
	}
	if removed > 0 {
		m.logger.Infow("Cleaned up failed attempt records", "count", removed)
	}
	return removed
}

// Start runs both sweeps on their tickers until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	sweepEvery := m.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = DefaultConfig().SweepInterval
	}
	attemptEvery := m.cfg.AttemptSweep
	if attemptEvery <= 0 {
		attemptEvery = DefaultConfig().AttemptSweep
	}

	m.wg.Add(1)
	goroutine.Go("session-maintenance", m.logger, func() {
		defer m.wg.Done()
		sweep := time.NewTicker(sweepEvery)
		attempts := time.NewTicker(attemptEvery)
		defer sweep.Stop()
		defer attempts.Stop()

		for {
			select {
			case <-sweep.C:
				m.Sweep(m.now())
			case <-attempts.C:
				m.SweepFailedAttempts(m.now())
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	})
}

// Stop halts the maintenance loop and waits for it to exit.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"vitaview/audit"
	"vitaview/config"
	"vitaview/core"
	"vitaview/detect"
	"vitaview/rbac"
	"vitaview/session"
	"vitaview/threat"
	"vitaview/waf"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

// httptest requests arrive from this address
const testClientIP = "192.0.2.1"

var browserHeaders = map[string]string{
	"User-Agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
	"Accept":             "application/json",
	"Accept-Language":    "pt-BR,pt;q=0.9",
	"Accept-Encoding":    "gzip, deflate, br",
	"Sec-CH-UA":          `"Chromium";v="126"`,
	"Sec-CH-UA-Mobile":   "?0",
	"Sec-CH-UA-Platform": `"Windows"`,
	"Sec-Fetch-Site":     "same-origin",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Dest":     "empty",
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticSecrets map[string]string

func (s staticSecrets) GetSecret(key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

type testEnv struct {
	api      *API
	firewall *waf.Firewall
	ids      *detect.Analyzer
	sessions *session.Manager
	rbac     *rbac.Engine
	audit    *audit.MemoryLogger
	secrets  staticSecrets
	clock    *testClock
}

type envOptions struct {
	requireMFA bool
	noTOTP     bool
	cfg        *config.Config
}

func testAPIConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Management.RateLimit = 100
	cfg.Management.Burst = 100
	return cfg
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	mem := audit.NewMemoryLogger()
	clock := &testClock{now: time.Now()}

	fw, err := waf.New(waf.DefaultConfig(), mem, logger)
	require.NoError(t, err)

	intel, err := threat.NewIntel("", logger)
	require.NoError(t, err)
	ids, err := detect.NewAnalyzer(detect.DefaultConfig(), intel, mem, logger)
	require.NoError(t, err)

	scfg := session.DefaultConfig()
	scfg.Secret = bytes.Repeat([]byte("k"), session.MinSecretLength)
	scfg.RequireTwoFactor = opts.requireMFA
	sessions, err := session.NewManager(scfg, mem, logger, session.WithClock(clock.Now))
	require.NoError(t, err)

	engine := rbac.NewEngine(rbac.NewMemoryAssignmentStore(), mem, logger)

	cfg := opts.cfg
	if cfg == nil {
		cfg = testAPIConfig()
	}
	secrets := staticSecrets{}
	components := Components{
		Firewall: fw,
		IDS:      ids,
		Sessions: sessions,
		RBAC:     engine,
		Audit:    mem,
	}
	if !opts.noTOTP {
		components.TOTPSecrets = secrets
	}
	a, err := NewAPI(components, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	return &testEnv{
		api:      a,
		firewall: fw,
		ids:      ids,
		sessions: sessions,
		rbac:     engine,
		audit:    mem,
		secrets:  secrets,
		clock:    clock,
	}
}

func browserRequest(method, target, body, token string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range browserHeaders {
		r.Header.Set(k, v)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

// login creates a session bound to the same client signals browserRequest sends
func (e *testEnv) login(t *testing.T, userID, role string) *session.Token {
	t.Helper()
	req, err := core.FromHTTP(browserRequest(http.MethodPost, "/login", "", ""), testClientIP, 1<<20)
	require.NoError(t, err)
	tok, err := e.sessions.CreateSession(context.Background(), userID, role, req)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) serve(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, r)
	return rec
}

func decodeSecurity(t *testing.T, rec *httptest.ResponseRecorder) securityResponse {
	t.Helper()
	var body securityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestNewAPI_RequiresComponents(t *testing.T) {
	_, err := NewAPI(Components{}, testAPIConfig(), zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestNewAPI_RejectsInvalidTrustedProxy(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cfg := testAPIConfig()
	cfg.Server.TrustedProxies = []string{"not-an-ip"}
	_, err := NewAPI(Components{
		Firewall: env.firewall,
		IDS:      env.ids,
		Sessions: env.sessions,
		RBAC:     env.rbac,
	}, cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.serve(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestPipeline_WAFBlocksSQLInjection(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	target := "/api/waf/rules?q=" + url.QueryEscape("' UNION SELECT password FROM users--")
	rec := env.serve(browserRequest(http.MethodGet, target, "", ""))

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, "Request blocked by Web Application Firewall", body.Error)
	assert.Equal(t, core.CodeWAFBlocked, body.Code)
	assert.True(t, strings.HasPrefix(body.Reference, "WAF-"), body.Reference)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, env.audit.ByAction(audit.ActionWAFBlocked))
}

func TestPipeline_UnknownPathsAreInspected(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.serve(browserRequest(http.MethodGet, "/does-not-exist", "", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	target := "/does-not-exist?q=" + url.QueryEscape("<script>alert(1)</script>")
	rec = env.serve(browserRequest(http.MethodGet, target, "", ""))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, core.CodeWAFBlocked, decodeSecurity(t, rec).Code)
}

func TestPipeline_RequestID(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	const id = "6f1c2d3e-4b5a-4c6d-8e7f-901a2b3c4d5e"
	r := browserRequest(http.MethodGet, "/does-not-exist", "", "")
	r.Header.Set("X-Request-ID", id)
	assert.Equal(t, id, env.serve(r).Header().Get("X-Request-ID"))

	r = browserRequest(http.MethodGet, "/does-not-exist", "", "")
	r.Header.Set("X-Request-ID", "not-a-uuid")
	got := env.serve(r).Header().Get("X-Request-ID")
	assert.NotEqual(t, "not-a-uuid", got)
	assert.Len(t, got, 36)
}

func TestSession_NoTokenRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, "Authentication required", body.Error)
	assert.Equal(t, core.CodeAuthRequired, body.Code)
}

func TestSession_TamperedTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.login(t, "admin-1", "admin")

	rec := env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", tok.Value+"x"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, core.CodeSessionInvalid, body.Code)
	assert.NotEmpty(t, body.Reason)
	assert.True(t, strings.HasPrefix(body.Reference, "SES-"), body.Reference)
}

func TestSession_CookieIsAccepted(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.login(t, "admin-1", "admin")

	r := browserRequest(http.MethodGet, "/api/waf/rules", "", "")
	r.AddCookie(&http.Cookie{Name: core.SessionCookieName, Value: tok.Value})
	assert.Equal(t, http.StatusOK, env.serve(r).Code)
}

func TestSession_FingerprintMismatch(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.login(t, "admin-1", "admin")

	r := browserRequest(http.MethodGet, "/api/waf/rules", "", tok.Value)
	r.Header.Set("User-Agent", "curl/8.4.0")
	r.Header.Del("Sec-CH-UA")
	r.Header.Del("Sec-CH-UA-Platform")
	rec := env.serve(r)

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, core.CodeSessionInvalid, body.Code)
	assert.Equal(t, string(session.ReasonFingerprint), body.Reason)
}

func TestSession_RenewHeaderNearExpiry(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.login(t, "admin-1", "admin")

	rec := env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", tok.Value))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Session-Renew"))

	env.clock.Advance(11 * time.Minute)
	rec = env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", tok.Value))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Session-Renew"))
}

func TestSession_Renew(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.login(t, "admin-1", "admin")

	rec := env.serve(browserRequest(http.MethodPost, "/api/session/renew", "", tok.Value))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var renewed session.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &renewed))
	assert.NotEmpty(t, renewed.Value)
	assert.Equal(t, tok.SessionID, renewed.SessionID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, core.SessionCookieName, cookies[0].Name)
	assert.Equal(t, renewed.Value, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookies[0].SameSite)

	rec = env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", renewed.Value))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSession_Logout(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.login(t, "admin-1", "admin")

	rec := env.serve(browserRequest(http.MethodPost, "/api/session/logout", "", tok.Value))
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)

	rec = env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", tok.Value))
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, core.CodeSessionInvalid, body.Code)
	assert.Equal(t, string(session.ReasonNotFound), body.Reason)
}

func TestTwoFactor_Flow(t *testing.T) {
	env := newTestEnv(t, envOptions{requireMFA: true})
	key, err := session.GenerateTOTPSecret("admin-1")
	require.NoError(t, err)
	env.secrets[TOTPSecretKey("admin-1")] = key.Secret()

	tok := env.login(t, "admin-1", "admin")

	rec := env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", tok.Value))
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, core.CodeMFARequired, body.Code)
	assert.Equal(t, string(session.ReasonTwoFactorRequired), body.Reason)

	rec = env.serve(browserRequest(http.MethodPost, "/api/session/2fa", `{"passcode":"12ab56"}`, tok.Value))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	code, err := totp.GenerateCode(key.Secret(), env.clock.Now())
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	rec = env.serve(browserRequest(http.MethodPost, "/api/session/2fa", `{"passcode":"`+wrong+`"}`, tok.Value))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, core.CodeMFARequired, decodeSecurity(t, rec).Code)

	stats := env.ids.Statistics(time.Hour)
	assert.Equal(t, 1, stats.EventsByType[string(detect.EventFailedLogin)])

	rec = env.serve(browserRequest(http.MethodPost, "/api/session/2fa", `{"passcode":"`+code+`"}`, tok.Value))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, env.audit.ByAction(audit.ActionTwoFactorVerified), 1)

	rec = env.serve(browserRequest(http.MethodGet, "/api/waf/rules", "", tok.Value))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTwoFactor_Lockout(t *testing.T) {
	env := newTestEnv(t, envOptions{requireMFA: true})
	key, err := session.GenerateTOTPSecret("nurse-1")
	require.NoError(t, err)
	env.secrets[TOTPSecretKey("nurse-1")] = key.Secret()
	tok := env.login(t, "nurse-1", "nurse")

	code, err := totp.GenerateCode(key.Secret(), env.clock.Now())
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 3; i++ {
		rec := env.serve(browserRequest(http.MethodPost, "/api/session/2fa", `{"passcode":"`+wrong+`"}`, tok.Value))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := env.serve(browserRequest(http.MethodPost, "/api/session/2fa", `{"passcode":"`+code+`"}`, tok.Value))
	require.Equal(t, http.StatusLocked, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, core.CodeRateLimited, body.Code)
	assert.True(t, strings.HasPrefix(body.Reference, "MFA-"))
}

func TestTwoFactor_Unavailable(t *testing.T) {
	t.Run("no secret source", func(t *testing.T) {
		env := newTestEnv(t, envOptions{requireMFA: true, noTOTP: true})
		tok := env.login(t, "admin-1", "admin")
		rec := env.serve(browserRequest(http.MethodPost, "/api/session/2fa", `{"passcode":"123456"}`, tok.Value))
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("not enrolled", func(t *testing.T) {
		env := newTestEnv(t, envOptions{requireMFA: true})
		tok := env.login(t, "admin-1", "admin")
		rec := env.serve(browserRequest(http.MethodPost, "/api/session/2fa", `{"passcode":"123456"}`, tok.Value))
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})
}

func TestHandle_HostRoutes(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var seen *core.Principal
	env.api.Handle("/api/exams/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		decision, ok := DecisionFrom(r.Context())
		require.True(t, ok)
		assert.Equal(t, "exam:read:own", decision.PermissionID)
		w.WriteHeader(http.StatusOK)
	}), "exam", "read").Methods(http.MethodGet)

	env.api.HandlePublic("/login", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := AnalysisFrom(r.Context())
		assert.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodPost)

	tok := env.login(t, "patient-1", "patient")

	rec := env.serve(browserRequest(http.MethodGet, "/api/exams/e-1?userId=patient-1", "", tok.Value))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, seen)
	assert.Equal(t, "patient-1", seen.ID)
	assert.Equal(t, tok.SessionID, seen.SessionID)

	rec = env.serve(browserRequest(http.MethodGet, "/api/exams/e-2?userId=patient-2", "", tok.Value))
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeSecurity(t, rec)
	assert.Equal(t, "Access denied", body.Error)
	assert.Equal(t, core.CodeAccessDenied, body.Code)

	rec = env.serve(browserRequest(http.MethodPost, "/login", "", ""))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMetrics_BasicAuth(t *testing.T) {
	cfg := testAPIConfig()
	hash, err := bcrypt.GenerateFromPassword([]byte("scrape-me"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Management.MetricsUsername = "prometheus"
	cfg.Management.MetricsPasswordHash = string(hash)
	env := newTestEnv(t, envOptions{cfg: cfg})

	scrape := func(user, password string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		if user != "" {
			r.SetBasicAuth(user, password)
		}
		return env.serve(r)
	}

	rec := scrape("", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	assert.Equal(t, http.StatusOK, scrape("prometheus", "scrape-me").Code)

	for i := 0; i < maxAuthFailures; i++ {
		assert.Equal(t, http.StatusUnauthorized, scrape("prometheus", "wrong").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, scrape("prometheus", "scrape-me").Code)
}

func TestMetrics_OpenWithoutPassword(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}

func TestGetRealIP(t *testing.T) {
	trusted, err := core.NewIPSet("10.0.0.1", "172.16.0.0/12")
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"direct peer", "203.0.113.9:5555", nil, "203.0.113.9"},
		{"untrusted peer ignores forwarding", "203.0.113.9:5555",
			map[string]string{"X-Forwarded-For": "198.51.100.1"}, "203.0.113.9"},
		{"trusted peer first forwarded hop", "10.0.0.1:443",
			map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "198.51.100.1"},
		{"trusted cidr x-real-ip", "172.20.1.1:443",
			map[string]string{"X-Real-IP": "198.51.100.2"}, "198.51.100.2"},
		{"invalid forwarded falls through", "10.0.0.1:443",
			map[string]string{"X-Forwarded-For": "garbage", "CF-Connecting-IP": "198.51.100.3"}, "198.51.100.3"},
		{"trusted peer without headers", "10.0.0.1:443", nil, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getRealIP(r, trusted))
		})
	}
}

func TestClientCountry(t *testing.T) {
	trusted, err := core.NewIPSet("10.0.0.1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("CF-IPCountry", "br")
	r.RemoteAddr = "10.0.0.1:443"
	assert.Equal(t, "BR", clientCountry(r, trusted))

	r.RemoteAddr = "203.0.113.9:443"
	assert.Empty(t, clientCountry(r, trusted))

	r.RemoteAddr = "10.0.0.1:443"
	r.Header.Set("CF-IPCountry", "XXX")
	assert.Empty(t, clientCountry(r, trusted))
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		contains string
		absent   string
	}{
		{"connection string", "dial redis://cache.internal:6379 failed", "[CONNECTION]", "cache.internal"},
		{"file path", "open /var/lib/vitaview/vitaview.db: denied", "[FILE_PATH]", "/var/lib"},
		{"private ip", "upstream 10.1.2.3:8080 refused", "[PRIVATE_IP]", "10.1.2.3"},
		{"credential", "bad token=abc123", "token=[REDACTED]", "abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeErrorMessage(tt.in)
			assert.Contains(t, got, tt.contains)
			assert.NotContains(t, got, tt.absent)
		})
	}

	long := sanitizeErrorMessage(strings.Repeat("a", 1000))
	assert.Len(t, long, maxErrorMessageLength)
	assert.True(t, strings.HasSuffix(long, "..."))
}

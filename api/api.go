// Package api exposes the security pipeline as HTTP middleware together with
// the management, session and health endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"vitaview/audit"
	"vitaview/config"
	"vitaview/core"
	"vitaview/detect"
	"vitaview/rbac"
	"vitaview/session"
	"vitaview/waf"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SecretSource resolves per-user TOTP secrets. config.SecretManager
// satisfies it.
type SecretSource interface {
	GetSecret(key string) (string, error)
}

// TOTPSecretKey is the secret name holding userID's TOTP seed
func TOTPSecretKey(userID string) string {
	return "totp_" + userID
}

// Components are the pipeline layers the API fronts
type Components struct {
	Firewall *waf.Firewall
	IDS      *detect.Analyzer
	Sessions *session.Manager
	RBAC     *rbac.Engine
	Audit    audit.Logger
	// TOTPSecrets is optional; without it the 2fa endpoint is unavailable
	TOTPSecrets SecretSource
}

// API holds the API server
type API struct {
	router *mux.Router
	server *http.Server

	firewall *waf.Firewall
	ids      *detect.Analyzer
	sessions *session.Manager
	rbac     *rbac.Engine
	audit    audit.Logger
	totp     SecretSource

	config         *config.Config
	logger         *zap.SugaredLogger
	validate       *validator.Validate
	trustedProxies *core.IPSet
	now            func() time.Time

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	authFailures   map[string]*authFailureEntry
	authFailuresMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAPI creates a new API server
func NewAPI(c Components, cfg *config.Config, logger *zap.SugaredLogger) (*API, error) {
	if c.Firewall == nil || c.IDS == nil || c.Sessions == nil || c.RBAC == nil {
		return nil, errors.New("api requires firewall, ids, session and rbac components")
	}
	if c.Audit == nil {
		c.Audit = audit.NoOpLogger{}
	}
	proxies, err := core.NewIPSet(cfg.Server.TrustedProxies...)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	a := &API{
		router:         mux.NewRouter(),
		firewall:       c.Firewall,
		ids:            c.IDS,
		sessions:       c.Sessions,
		rbac:           c.RBAC,
		audit:          c.Audit,
		totp:           c.TOTPSecrets,
		config:         cfg,
		logger:         logger,
		validate:       validator.New(),
		trustedProxies: proxies,
		now:            time.Now,
		rateLimiters:   make(map[string]*rateLimiterEntry),
		authFailures:   make(map[string]*authFailureEntry),
		stopCh:         make(chan struct{}),
	}
	a.setupRoutes()

	a.wg.Add(1)
	go a.runCleanup()
	return a, nil
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	if a.config.Management.MetricsPasswordHash != "" {
		a.router.Handle("/metrics", a.metricsAuthMiddleware(promhttp.Handler())).Methods(http.MethodGet)
	} else {
		a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	a.setupSessionRoutes()
	a.setupManagementRoutes()

	// unknown paths still pass WAF and IDS inspection before the 404
	a.router.NotFoundHandler = a.pipeline(http.NotFoundHandler())
}

// Handle mounts a host route behind the full pipeline. With a non-empty
// resource the principal must also hold resource:action.
func (a *API) Handle(path string, h http.Handler, resource, action string, opts ...PermissionOption) *mux.Route {
	if resource != "" {
		h = a.RequirePermission(resource, action, opts...)(h)
	}
	return a.router.Handle(path, a.secured(h, false))
}

// HandlePublic mounts a host route behind WAF and IDS only, for sign-in
// flows that run before a session exists.
func (a *API) HandlePublic(path string, h http.Handler) *mux.Route {
	return a.router.Handle(path, a.pipeline(h))
}

// Handler returns the root handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the API server
func (a *API) Start(addr string) error {
	a.server = a.newServer(addr)
	return a.server.ListenAndServe()
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(addr, certFile, keyFile string) error {
	a.server = a.newServer(addr)
	return a.server.ListenAndServeTLS(certFile, keyFile)
}

func (a *API) newServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]string{
		"status": "healthy",
		"time":   a.now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

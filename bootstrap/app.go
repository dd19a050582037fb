package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vitaview/api"
	"vitaview/config"

	"go.uber.org/zap"
)

// App represents the VitaView guard with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents

	// Security layers
	Pipeline  *Pipeline
	APIServer *api.API

	// Lifecycle
	serviceWg  *sync.WaitGroup
	serveErrCh chan error
	cancel     context.CancelFunc
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{
		serviceWg:  &sync.WaitGroup{},
		serveErrCh: make(chan error, 1),
	}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("VitaView guard starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	storageComponents, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = storageComponents

	auditLogger := InitAudit(cfg, storageComponents, sugar.Named("audit"))

	intel, err := InitThreatIntel(cfg, sugar.Named("threat"))
	if err != nil {
		auditLogger.Close()
		storageComponents.Close(sugar)
		return nil, err
	}

	pipeline, err := InitPipeline(cfg, storageComponents, auditLogger, intel, sugar)
	if err != nil {
		auditLogger.Close()
		storageComponents.Close(sugar)
		return nil, err
	}
	app.Pipeline = pipeline

	secrets, err := config.NewSecretManager(cfg)
	if err != nil {
		sugar.Warnw("Secret manager unavailable, two-factor verification disabled", "error", err)
	}

	components := api.Components{
		Firewall: pipeline.Firewall,
		IDS:      pipeline.IDS,
		Sessions: pipeline.Sessions,
		RBAC:     pipeline.RBAC,
		Audit:    pipeline.Audit,
	}
	if secrets != nil {
		components.TOTPSecrets = secrets
	}
	apiServer, err := api.NewAPI(components, cfg, sugar.Named("api"))
	if err != nil {
		auditLogger.Close()
		storageComponents.Close(sugar)
		return nil, fmt.Errorf("failed to initialize API: %w", err)
	}
	app.APIServer = apiServer

	return app, nil
}

// Start starts the background sweeps and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Pipeline.Firewall.Start()
	a.Pipeline.IDS.Start()
	a.Pipeline.Sessions.Start(ctx)
	a.Sugar.Info("Background maintenance started")

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		var err error
		if a.Config.Server.TLS {
			a.Sugar.Infow("Starting HTTPS server", "addr", a.Config.Server.Addr)
			err = a.APIServer.StartTLS(a.Config.Server.Addr, a.Config.Server.CertFile, a.Config.Server.KeyFile)
		} else {
			a.Sugar.Infow("Starting HTTP server", "addr", a.Config.Server.Addr)
			err = a.APIServer.Start(a.Config.Server.Addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "error", err)
			a.serveErrCh <- err
		}
	}()

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or the server
// fails to serve.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-a.serveErrCh:
		a.Sugar.Errorw("Shutting down after server failure", "error", err)
	}
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop accepting requests
	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		timeout := a.Config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	// Phase 2 - Wait for the serve goroutine
	a.Sugar.Info("Phase 2: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(5 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 3 - Stop background maintenance
	a.Sugar.Info("Phase 3: Stopping security layer maintenance...")
	if a.cancel != nil {
		a.cancel()
	}
	if a.Pipeline != nil {
		a.Pipeline.Sessions.Stop()
		a.Pipeline.IDS.Stop()
		a.Pipeline.Firewall.Stop()
	}

	// Phase 4 - Drain audit records before the database closes
	a.Sugar.Info("Phase 4: Flushing audit records...")
	if a.Pipeline != nil && a.Pipeline.Audit != nil {
		a.Pipeline.Audit.Close()
	}

	// Phase 5 - Close storage
	a.Sugar.Info("Phase 5: Closing storage connections...")
	a.Storage.Close(a.Sugar)

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

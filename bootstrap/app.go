package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"argus/agent"
	"argus/api"
	"argus/config"
	"argus/execution"
	"argus/notify"
	"argus/parsers"
	"argus/registry"
	"argus/threat"
	"argus/util/goroutine"
)

// App represents the Argus application with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents

	// Execution
	Tools          *registry.Registry
	Parsers        *parsers.Registry
	AgentTransport *agent.NATSTransport
	Orchestrator   *execution.Orchestrator

	// Detection and intelligence
	Detection  *DetectionComponents
	Indicators *threat.IndicatorStore
	Enrichment *EnrichmentComponents

	// Services
	Notifier  *notify.Notifier
	APIServer *api.API

	// Lifecycle
	serviceWg    sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp builds every component from cfg. Nothing is started until Start.
// On error the components built so far are released.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  logger.Sugar(),
	}
	defer func() {
		if err != nil {
			app.release()
		}
	}()

	if err := EnsureDataDirectories(cfg.DataPaths, app.Sugar); err != nil {
		return nil, err
	}

	if app.Storage, err = InitStorage(cfg.DataPaths, app.Sugar); err != nil {
		return nil, err
	}

	if app.Tools, err = registry.NewRegistry(cfg.Tools, app.Sugar); err != nil {
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}
	app.Parsers = parsers.NewDefaultRegistry()

	if cfg.Agents.Enabled {
		if app.AgentTransport, err = InitAgentTransport(cfg.Agents, app.Sugar); err != nil {
			return nil, err
		}
	}

	opts := InitLaunchers(cfg.Orchestrator, app.AgentTransport, app.Sugar)
	opts = append(opts, execution.WithStore(app.Storage.Executions))
	app.Orchestrator = execution.NewOrchestrator(cfg.Orchestrator.Config, app.Tools, app.Parsers, app.Sugar, opts...)

	app.Indicators = threat.NewIndicatorStore(app.Storage.Indicators, app.Sugar)

	if app.Detection, err = InitDetection(cfg, app.Storage.Alerts, app.Indicators, app.Sugar); err != nil {
		return nil, err
	}

	if cfg.Enrichment.Enabled {
		if app.Enrichment, err = InitEnrichment(ctx, cfg.Enrichment, app.Indicators, app.Sugar); err != nil {
			return nil, err
		}
	}

	if app.Notifier, err = InitNotifier(cfg.Notify, app.Sugar); err != nil {
		return nil, err
	}

	// Correlation first so notices are sent after alerts are persisted
	app.Orchestrator.AddListener(app.Detection.Correlation)
	if app.Notifier != nil {
		app.Orchestrator.AddListener(app.Notifier)
	}

	if cfg.API.Enabled {
		app.APIServer = api.NewAPI(api.Services{
			Executions: app.Orchestrator,
			Alerts:     app.Detection.Correlation,
			Indicators: app.Indicators,
			Health:     app.Storage.SQLite,
		}, cfg.API, app.Sugar)
	}

	app.Sugar.Infow("Argus initialized",
		"tools", len(app.Tools.List()),
		"rules", len(app.Detection.Rules.Rules()),
		"agents", app.AgentTransport != nil,
		"enrichment", app.Enrichment != nil,
		"notifier", app.Notifier != nil,
		"api", app.APIServer != nil)
	return app, nil
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	a.Orchestrator.Start()
	a.Detection.Correlation.Start(ctx)

	if a.Enrichment != nil {
		a.Enrichment.Enricher.Start()
		a.Sugar.Info("Enricher started")
	}

	if a.Detection.Watcher != nil {
		if err := a.Detection.Watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch rules: %w", err)
		}
	}

	if a.APIServer != nil {
		a.startAPIServer()
	}
	return nil
}

func (a *App) startAPIServer() {
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("api-server", a.Sugar)

		a.Sugar.Infof("API server started on %s", a.Config.API.Addr())
		if err := a.APIServer.Start(); err != nil {
			a.Sugar.Errorf("API server error: %v", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	sig := <-c
	a.Sugar.Infow("Received shutdown signal", "signal", sig.String())
}

// Shutdown gracefully shuts down all components. It is safe to call more
// than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		// Phase 1 - Stop accepting requests
		a.Sugar.Info("Phase 1: Stopping API server...")
		if a.APIServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.APIServer.Stop(ctx); err != nil {
				a.Sugar.Errorw("Failed to stop API server", "error", err)
			}
			cancel()
		}

		// Phase 2 - Freeze the rule set
		a.Sugar.Info("Phase 2: Stopping rule watcher...")
		if a.Detection != nil && a.Detection.Watcher != nil {
			if err := a.Detection.Watcher.Close(); err != nil {
				a.Sugar.Errorw("Failed to stop rule watcher", "error", err)
			}
		}

		// Phase 3 - Cancel executions and drain completion events
		a.Sugar.Info("Phase 3: Stopping orchestrator...")
		if a.Orchestrator != nil {
			ctx, cancel := context.WithTimeout(context.Background(), a.Config.Orchestrator.ShutdownTimeout)
			if err := a.Orchestrator.Shutdown(ctx); err != nil {
				a.Sugar.Errorw("Orchestrator shutdown incomplete", "error", err)
			}
			cancel()
		}

		// Phase 4 - Stop background workers
		a.Sugar.Info("Phase 4: Stopping correlation and enrichment...")
		if a.Detection != nil {
			a.Detection.Correlation.Stop()
		}
		if a.Enrichment != nil {
			a.Enrichment.Enricher.Stop(10 * time.Second)
		}

		// Phase 5 - Wait for service goroutines
		a.Sugar.Info("Phase 5: Waiting for service goroutines to complete...")
		done := make(chan struct{})
		go func() {
			a.serviceWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.Sugar.Info("All service goroutines stopped successfully")
		case <-time.After(10 * time.Second):
			a.Sugar.Warn("Service goroutine shutdown timed out")
		}

		// Phase 6 - Close connections
		a.Sugar.Info("Phase 6: Closing connections...")
		a.release()

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}

// release closes sinks, transports, caches and the database
func (a *App) release() {
	if a.Notifier != nil {
		if err := a.Notifier.Close(); err != nil {
			a.Sugar.Errorw("Failed to close notification sinks", "error", err)
		}
	}
	if a.AgentTransport != nil {
		if err := a.AgentTransport.Close(); err != nil {
			a.Sugar.Errorw("Failed to close agent transport", "error", err)
		}
	}
	if err := a.Enrichment.Close(); err != nil {
		a.Sugar.Errorw("Failed to close Redis cache", "error", err)
	}
	if err := a.Storage.Close(); err != nil {
		a.Sugar.Errorw("Failed to close database", "error", err)
	}
}

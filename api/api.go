// Package api exposes the orchestrator and the correlation engine over a JSON
// HTTP API rooted at /api/v1. Execution output can be followed as NDJSON or
// over a websocket.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"argus/config"
	"argus/core"
	"argus/correlate"
	"argus/execution"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ExecutionService is the orchestrator surface used by the API
type ExecutionService interface {
	Submit(ctx context.Context, req core.ExecutionRequest) (string, error)
	GetStatus(id string, includeOutput bool) (*core.ToolExecution, error)
	Cancel(id string) error
	StreamOutput(ctx context.Context, id string) (<-chan core.OutputLine, error)
	List(ctx context.Context, filter core.ExecutionFilter) ([]*core.ToolExecution, error)
	Queues() []execution.QueueStats
}

// AlertService is the correlation engine surface used by the API
type AlertService interface {
	IngestFinding(ctx context.Context, f *core.Finding) ([]*core.Alert, error)
	RaiseAnomalyAlert(ctx context.Context, in correlate.AnomalyAlert) (*core.Alert, error)
	SetStatus(ctx context.Context, alertID string, status core.AlertStatus) (*core.Alert, error)
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	ListAlerts(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error)
	RuleStats() []correlate.RuleStats
}

// IndicatorService is the indicator store surface used by the API
type IndicatorService interface {
	Upsert(ctx context.Context, in core.IndicatorInput) (*core.Indicator, bool, error)
	Get(ctx context.Context, id string) (*core.Indicator, error)
	List(ctx context.Context, filter core.IndicatorFilter) ([]*core.Indicator, error)
	Deprecate(ctx context.Context, id string) (*core.Indicator, error)
}

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Services groups the components the API serves. Health is optional.
type Services struct {
	Executions ExecutionService
	Alerts     AlertService
	Indicators IndicatorService
	Health     HealthChecker
}

// API holds the API server
type API struct {
	router     *mux.Router
	handler    http.Handler
	server     *http.Server
	serverMu   sync.Mutex
	executions ExecutionService
	alerts     AlertService
	indicators IndicatorService
	health     HealthChecker
	config     config.APIConfig
	logger     *zap.SugaredLogger

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server
func NewAPI(svc Services, cfg config.APIConfig, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &API{
		router:       mux.NewRouter(),
		executions:   svc.Executions,
		alerts:       svc.Alerts,
		indicators:   svc.Indicators,
		health:       svc.Health,
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.metricsMiddleware)
	a.router.Use(a.rateLimitMiddleware)
	a.router.Use(a.bodyLimitMiddleware)

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/executions", a.submitExecution).Methods("POST")
	v1.HandleFunc("/executions", a.listExecutions).Methods("GET")
	v1.HandleFunc("/executions/{id}", a.getExecution).Methods("GET")
	v1.HandleFunc("/executions/{id}/cancel", a.cancelExecution).Methods("POST")
	v1.HandleFunc("/executions/{id}/output", a.streamExecutionOutput).Methods("GET")
	v1.HandleFunc("/queues", a.listQueues).Methods("GET")

	v1.HandleFunc("/findings", a.ingestFinding).Methods("POST")
	v1.HandleFunc("/alerts", a.listAlerts).Methods("GET")
	v1.HandleFunc("/alerts/anomaly", a.raiseAnomalyAlert).Methods("POST")
	v1.HandleFunc("/alerts/{id}", a.getAlert).Methods("GET")
	v1.HandleFunc("/alerts/{id}/status", a.setAlertStatus).Methods("PUT")
	v1.HandleFunc("/rules/stats", a.getRuleStats).Methods("GET")

	v1.HandleFunc("/indicators", a.createIndicator).Methods("POST")
	v1.HandleFunc("/indicators", a.listIndicators).Methods("GET")
	v1.HandleFunc("/indicators/{id}", a.getIndicator).Methods("GET")
	v1.HandleFunc("/indicators/{id}/deprecate", a.deprecateIndicator).Methods("POST")

	a.handler = cors.New(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	}).Handler(a.router)
}

// Handler returns the root handler with CORS applied
func (a *API) Handler() http.Handler {
	return a.handler
}

// Start starts the API server and blocks until it stops
func (a *API) Start() error {
	server := &http.Server{
		Addr:              a.config.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.config.ReadTimeout,
		WriteTimeout:      a.config.WriteTimeout,
	}
	a.serverMu.Lock()
	a.server = server
	a.serverMu.Unlock()

	a.logger.Infow("API server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.serverMu.Lock()
	server := a.server
	a.serverMu.Unlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := a.health.HealthCheck(ctx); err != nil {
			a.logger.Warnw("Health check failed", "error", err)
			status["status"] = "degraded"
			status["error"] = sanitizeErrorMessage(err.Error())
			a.respondJSON(w, status, http.StatusServiceUnavailable)
			return
		}
	}
	a.respondJSON(w, status, http.StatusOK)
}

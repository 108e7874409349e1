package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"stratlab/internal/config"
	"stratlab/internal/logger"
	"stratlab/internal/monitoring"
	"stratlab/internal/orchestrator"
	"stratlab/internal/strategy/graph"
)

// Dependencies wires the services behind the API. Runs and Executor are
// required; the rest switch their routes off when nil.
type Dependencies struct {
	Runs     RunService
	Executor *graph.Executor
	Events   orchestrator.EventBus
	Recurrer *orchestrator.Recurrer
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
	Cache    CacheStats
	Health   map[string]HealthCheck
	Logger   logger.Logger
}

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	log        logger.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Runs == nil || deps.Executor == nil {
		return nil, fmt.Errorf("api server requires a run service and an executor")
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetGlobalLogger()
	}
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	s := &Server{
		config: cfg,
		router: gin.New(),
		log:    deps.Logger,
	}
	s.setupRoutes(deps)
	return s, nil
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(deps Dependencies) {
	s.router.Use(recovery(s.log))
	s.router.Use(requestID())
	s.router.Use(accessLog(s.log))
	if deps.Metrics != nil {
		s.router.Use(deps.Metrics.MetricsMiddleware())
	}

	if s.config.Monitoring.PrometheusEnabled && deps.Gatherer != nil {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(monitoring.Handler(deps.Gatherer)))
	}

	system := &SystemHandler{checks: deps.Health, cache: deps.Cache, log: s.log}
	s.router.GET("/health", system.Health)

	v1 := s.router.Group("/api/v1")
	v1.Use(bodyLimit(s.config.Server.MaxBodyBytes))
	if rl := s.config.RateLimit; rl.Enabled {
		v1.Use(rateLimit(newClientLimiter(rl.RequestsPerMinute, rl.Burst), s.log))
	}

	runs := NewRunHandler(deps.Runs, deps.Executor, s.log)
	{
		v1.POST("/runs", runs.SubmitRun)
		v1.GET("/runs", runs.ListRuns)
		v1.GET("/runs/:id", runs.GetRun)
		v1.GET("/runs/:id/status", runs.GetRunStatus)
		v1.POST("/runs/:id/cancel", runs.CancelRun)
		v1.POST("/graphs/validate", runs.ValidateGraph)
		v1.GET("/blocks", runs.ListBlocks)
	}

	if deps.Events != nil {
		stream := NewStreamHandler(deps.Runs, deps.Events, deps.Metrics, s.log)
		v1.GET("/runs/:id/stream", stream.RunStream)
	}

	if deps.Recurrer != nil {
		recurring := &RecurringHandler{recurrer: deps.Recurrer, log: s.log}
		v1.GET("/recurring", recurring.List)
		v1.POST("/recurring/:name/fire", recurring.Fire)
	}

	v1.GET("/system/cache", system.CacheStats)
}

// Start serves until Stop. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.log.Info("Starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("Shutting down API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

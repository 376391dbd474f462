// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/idgen"
	"github.com/kshalu/fraudscope/internal/logging"
	"github.com/kshalu/fraudscope/internal/metrics"
	"github.com/kshalu/fraudscope/internal/model"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/ratelimit"
	"github.com/kshalu/fraudscope/internal/security"
	"github.com/kshalu/fraudscope/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the App it serves.
type Server struct {
	app         *App
	version     string
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// New creates a server for app.
func New(app *App, version string) *Server {
	if !app.Config.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		app:     app,
		version: version,
		router:  gin.New(),
		logger:  app.Logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.healthy.Store(true)
	return s
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(s.app.Config.HTTP.MaxBodyBytes))

	s.rateLimiter = ratelimit.New(s.app.Config.RateLimit)
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	app := s.app

	s.router.GET("/health", app.Health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws/decisions", func(c *gin.Context) {
		app.Hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("id", "version"))
	v1.GET("/info", s.infoHandler)

	scoring := v1.Group("")
	scoring.Use(s.rateLimiter.Middleware())
	pipeline.NewHandler(app.Pipeline, app.Audit).RegisterRoutes(scoring)

	audit.NewHandler(app.Audit, audit.NewVerifier(app.Recorder.Signer()), app.Recorder.Streams()).RegisterRoutes(v1)

	models := model.NewHandler(app.Registry)
	models.RegisterRoutes(v1)
	admin := v1.Group("")
	admin.Use(security.AdminTokenMiddleware(app.Config.HTTP.AdminToken))
	models.RegisterAdminRoutes(admin)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	pol := s.app.Pipeline.Policy()
	info := gin.H{
		"name":            "fraudscope",
		"version":         s.version,
		"policyVersion":   pol.Version,
		"thresholds":      pol.Thresholds,
		"auditStreams":    s.app.Recorder.Streams(),
		"latencyBudgetMs": s.app.Config.Pipeline.LatencyBudget.Milliseconds(),
		"realtime":        s.app.Hub.Stats(),
	}
	if m, err := s.app.Registry.Current(); err == nil {
		info["model"] = gin.H{"version": m.Version(), "kind": m.Kind()}
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then shuts
// down gracefully. Background loops (the decision feed, DB stats) share the
// run context.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := s.app.Config.HTTP
	s.httpSrv = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.app.Hub.Run(gctx)
		return nil
	})

	if s.app.DB != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.app.DB, 15*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")
	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.app.Config.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.rateLimiter.Stop()

	if err := s.app.Close(); err != nil {
		s.logger.Error("close error", "error", err)
		errs = append(errs, err)
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sparkstep/pkg/api/middleware"
	"sparkstep/pkg/auth"
	"sparkstep/pkg/coordination"
	"sparkstep/pkg/logger"
	"sparkstep/pkg/storage"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	validator  *middleware.Validator
	logger     *zap.Logger

	queue       storage.Queue
	store       storage.StepStore
	coordinator coordination.Coordinator
	auth        middleware.AuthConfig
}

// Config holds API server configuration.
type Config struct {
	Port        string
	ServiceName string
	Queue       storage.Queue
	Store       storage.StepStore // optional; enables step history
	Coordinator coordination.Coordinator
	Auth        middleware.AuthConfig // zero value leaves the API open
	Logger      *zap.Logger
	Validation  middleware.ValidatorConfig
	RateLimit   middleware.RateLimiterConfig
	// MaxBodyBytes caps submission bodies. Defaults to 1MB.
	MaxBodyBytes int64
}

// pinger is implemented by backends that can report their own liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewServer creates a new API server with all dependencies. Zero-valued
// validation and rate limit settings fall back to their defaults.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.Logger == nil {
		cfg.Logger = logger.WithComponent("api")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sparkstep-api"
	}
	if cfg.Validation.MaxNameLength == 0 {
		cfg.Validation = middleware.DefaultValidatorConfig()
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		router:      gin.New(),
		limiter:     middleware.NewRateLimiter(cfg.RateLimit),
		validator:   middleware.NewValidator(cfg.Validation),
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		auth:        cfg.Auth,
	}

	// Middleware stack (order matters)
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestIDMiddleware())
	s.router.Use(middleware.SecurityHeadersMiddleware())
	s.router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	s.router.Use(middleware.MetricsMiddleware())
	s.router.Use(s.requestLogger())
	s.router.Use(middleware.BodySizeLimitMiddleware(cfg.MaxBodyBytes))

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting api server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	viewer := middleware.RequireRole(s.auth, auth.RoleViewer)
	operator := middleware.RequireRole(s.auth, auth.RoleOperator)

	v1 := s.router.Group("/api/v1", middleware.AuthMiddleware(s.auth), s.limiter.Middleware())
	{
		steps := v1.Group("/steps")
		{
			steps.POST("", operator, s.submitStep)
			steps.GET("", viewer, s.listSteps)
			steps.GET("/:id", viewer, s.getStep)
		}

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/nodes", viewer, s.listNodes)
		}
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.RequestID(c)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		s.logger.Info("http request", fields...)
	}
}

// healthCheck reports whether the queue and the coordinator answer.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]bool{
		"redis": s.queueHealthy(ctx),
		"etcd":  s.coordinatorHealthy(ctx),
	}
	if s.store != nil {
		deps["postgres"] = s.storeHealthy(ctx)
	}

	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) queueHealthy(ctx context.Context) bool {
	if s.queue == nil {
		return false
	}
	if p, ok := s.queue.(pinger); ok {
		return p.Ping(ctx) == nil
	}
	return true
}

func (s *Server) storeHealthy(ctx context.Context) bool {
	if p, ok := s.store.(pinger); ok {
		return p.Ping(ctx) == nil
	}
	return true
}

func (s *Server) coordinatorHealthy(ctx context.Context) bool {
	if s.coordinator == nil {
		return false
	}
	_, err := s.coordinator.GetActiveNodes(ctx)
	return err == nil
}

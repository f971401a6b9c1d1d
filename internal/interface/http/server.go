// Package http exposes the competency service over a gin REST API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/interface/http/handlers"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout time.Duration
	// WriteTimeout stays zero by default so progress streams are not cut.
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// AllowedOrigins enables CORS when non-empty. "*" allows any origin.
	AllowedOrigins []string

	// APIKeyHeader and APIKeyHashes configure bcrypt API key auth on /api.
	APIKeyHeader string
	APIKeyHashes []string

	RateLimit handlers.RateLimitConfig

	// Debug puts gin in debug mode.
	Debug bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		APIKeyHeader:   "X-API-Key",
		RateLimit:      handlers.DefaultRateLimitConfig(),
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies contains everything the routes need.
type Dependencies struct {
	Enrollments *handlers.EnrollmentHandler
	Ops         *handlers.OpsHandler
	// Certificates is nil when no signing key is configured.
	Certificates *handlers.CertificateHandler
	Health       *handlers.HealthChecker
	Logger       *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server is the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer builds the router and the underlying http.Server.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = handlers.NewHealthChecker("")
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger.With(logger.Component("http")),
	}
	s.engine = NewRouter(config, deps)
	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(config Config, deps Dependencies) *gin.Engine {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	health := deps.Health
	if health == nil {
		health = handlers.NewHealthChecker("")
	}
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = "X-API-Key"
	}

	router := gin.New()
	router.Use(
		handlers.RequestID(log),
		handlers.AccessLog(log),
		handlers.Recovery(log),
	)

	if len(config.AllowedOrigins) > 0 {
		corsConfig := cors.Config{
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Authorization", "Content-Type", config.APIKeyHeader, handlers.RequestIDHeader},
			ExposeHeaders: []string{handlers.RequestIDHeader, "Retry-After"},
			MaxAge:        12 * time.Hour,
		}
		if len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = config.AllowedOrigins
		}
		router.Use(cors.New(corsConfig))
	}

	router.NoRoute(func(c *gin.Context) {
		handlers.RespondError(c, http.StatusNotFound, handlers.CodeNotFound, fmt.Errorf("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})

	// ─────────────────────────────────────────────────────────────────────────
	// Probes
	// ─────────────────────────────────────────────────────────────────────────
	router.GET("/livez", health.Live)
	router.GET("/healthz", health.Ready)
	router.GET("/readyz", health.Ready)

	if h := deps.Certificates; h != nil {
		public := router.Group("/certificates")
		public.Use(handlers.NewRateLimiter(config.RateLimit).Middleware())
		public.GET("/verify", h.Verify)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(handlers.NewRateLimiter(config.RateLimit).Middleware())
	api.Use(handlers.NewAPIKeyAuth(config.APIKeyHeader, config.APIKeyHashes).Middleware())

	api.POST("/milestones/parse", handlers.ParseMilestone)

	if e := deps.Enrollments; e != nil {
		api.POST("/enrollments", e.Create)
		api.POST("/enrollments/:id/milestones", e.RecordMilestone)
		api.POST("/enrollments/:id/replies", e.ApplyReply)
		api.POST("/enrollments/:id/tutor", e.TutorTurn)
		api.GET("/enrollments/:id/progress", e.Progress)
		api.GET("/enrollments/:id/stream", e.Stream)
	}

	if o := deps.Ops; o != nil {
		api.GET("/ops/dead-letters", o.ListDeadLetters)
		api.GET("/ops/metrics", o.Metrics)
		api.GET("/ops/jobs", o.ListJobs)
		api.POST("/ops/jobs/:name/run", o.RunJob)
	}

	return router
}

// Handler returns the gin engine, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address()
}

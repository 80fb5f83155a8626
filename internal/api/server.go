package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	mw "github.com/tphakala/skywatch/internal/api/middleware"
	v1 "github.com/tphakala/skywatch/internal/api/v1"
	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/history"
	"github.com/tphakala/skywatch/internal/imagestore"
	"github.com/tphakala/skywatch/internal/ingest"
	"github.com/tphakala/skywatch/internal/logger"
	"github.com/tphakala/skywatch/internal/observability"
)

// Server is the main HTTP server for SkyWatch.
// It manages the Echo framework instance, middleware, and all HTTP routes.
type Server struct {
	// Core components
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings
	log      logger.Logger

	// Dependencies
	ingest  *ingest.Service
	history *history.Service
	hub     *broadcast.Hub
	images  *imagestore.Store
	metrics *observability.Metrics

	// API controller
	apiController *v1.Controller

	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithIngest sets the ingestion service behind the POST endpoints.
func WithIngest(svc *ingest.Service) ServerOption {
	return func(s *Server) { s.ingest = svc }
}

// WithHistory sets the query service behind the GET endpoints.
func WithHistory(svc *history.Service) ServerOption {
	return func(s *Server) { s.history = svc }
}

// WithHub sets the live event hub.
func WithHub(hub *broadcast.Hub) ServerOption {
	return func(s *Server) { s.hub = hub }
}

// WithImages serves materialized images under the upload prefix.
func WithImages(store *imagestore.Store) ServerOption {
	return func(s *Server) { s.images = store }
}

// WithMetrics exposes the Prometheus registry when metrics are enabled.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// New creates a new HTTP server with the given settings and options.
func New(settings *conf.Settings, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:    config,
		settings:  settings,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = GetLogger()
	}
	if s.ingest == nil || s.history == nil || s.hub == nil {
		return nil, fmt.Errorf("ingest, history and hub are required")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Address()),
		logger.String("body_limit", config.BodyLimit),
		logger.Bool("metrics", config.MetricsPath != ""))

	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(mw.NewRecover())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(logger.Global().Module("access"), mw.SkipPaths("/health")))
	s.echo.Use(mw.NewCORS(mw.SecurityConfig{AllowedOrigins: s.config.AllowedOrigins}))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders())
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	s.apiController = v1.New(s.echo, s.ingest, s.history, s.hub,
		v1.WithLogger(s.log),
		v1.WithStreamConfig(v1.StreamConfig{
			Heartbeat:      s.settings.Stream.Heartbeat,
			ConnectRate:    s.settings.Stream.ConnectRate,
			AllowedOrigins: s.config.AllowedOrigins,
		}))

	if s.images != nil {
		s.echo.GET(s.config.UploadPrefix+"/*", s.images.Handler())
	}

	if s.config.MetricsPath != "" && s.metrics != nil {
		s.echo.GET(s.config.MetricsPath, echo.WrapHandler(s.metrics.Handler()))
	}
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// Serve listens on the configured address and blocks until Shutdown.
func (s *Server) Serve() error {
	addr := s.config.Address()
	s.log.Info("starting HTTP server", logger.String("address", addr))

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown ends live streams, then drains in-flight requests within the
// configured timeout. Cancellation of ctx itself does not cut the drain short.
func (s *Server) Shutdown(ctx context.Context) error {
	s.apiController.Shutdown()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.log.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// internal/api/v1/api.go
package api

import (
	"context"
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/history"
	"github.com/tphakala/skywatch/internal/ingest"
	"github.com/tphakala/skywatch/internal/logger"
)

// Defaults for the live channels.
const (
	DefaultHeartbeat    = 30 * time.Second
	DefaultConnectRate  = 1.0
	DefaultConnectBurst = 5
)

// StreamConfig controls the SSE and websocket channels.
type StreamConfig struct {
	Heartbeat      time.Duration
	ConnectRate    float64  // new connections per second per client IP
	AllowedOrigins []string // websocket origin allow-list, "*" allows any
}

// Controller manages the API routes and handlers
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	ingest  *ingest.Service
	history *history.Service
	hub     *broadcast.Hub
	stream  StreamConfig
	log     logger.Logger

	// Cleanup related fields
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // websocket pumps
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithStreamConfig configures the live channels.
func WithStreamConfig(cfg StreamConfig) Option {
	return func(c *Controller) { c.stream = cfg }
}

// New creates the API controller and registers its routes under /api/v1.
func New(e *echo.Echo, ingestService *ingest.Service, historyService *history.Service, hub *broadcast.Hub, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		Echo:    e,
		Group:   e.Group("/api/v1"),
		ingest:  ingestService,
		history: historyService,
		hub:     hub,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("api")
	}
	if c.stream.Heartbeat <= 0 {
		c.stream.Heartbeat = DefaultHeartbeat
	}
	if c.stream.ConnectRate <= 0 {
		c.stream.ConnectRate = DefaultConnectRate
	}

	c.initRoutes()
	return c
}

// initRoutes registers all API endpoints
func (c *Controller) initRoutes() {
	c.Group.GET("/health", c.HealthCheck)

	c.initAlertRoutes()
	c.initOffensiveRoutes()
	c.initMessageRoutes()
	c.initStreamRoutes()
}

// HealthCheck reports liveness and the number of live subscribers.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"subscribers": c.hub.Count(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Shutdown ends every live stream and waits for websocket pumps to exit.
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
	c.log.Debug("API controller shut down")
}

// Error response structure
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"` // Unique identifier for tracking this error
}

// NewErrorResponse creates a new API error response
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}

	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID creates a short random identifier for error tracking
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// HandleError logs the failure and writes the JSON error body. Client
// errors are logged at warn, server errors at error.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)
	// 5xx bodies never echo internal details
	if code >= http.StatusInternalServerError {
		resp.Error = http.StatusText(code)
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		c.log.Error("API error", fields...)
	} else {
		c.log.Warn("API request rejected", fields...)
	}

	return ctx.JSON(code, resp)
}

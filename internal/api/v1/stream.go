// internal/api/v1/stream.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

// Constants for live connections
const (
	// Time allowed to write a message to the client
	writeWait = 10 * time.Second

	// Maximum message size allowed from websocket clients
	maxMessageSize = 512

	// Idle limiter entries are forgotten after this long
	limiterExpiry = 3 * time.Minute

	heartbeatEvent = "heartbeat"
	connectedEvent = "connected"
)

// initStreamRoutes registers the SSE and websocket endpoints behind a
// per-IP connection rate limiter
func (c *Controller) initStreamRoutes() {
	limiter := middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(c.stream.ConnectRate),
				Burst:     DefaultConnectBurst,
				ExpiresIn: limiterExpiry,
			},
		),
		IdentifierExtractor: middleware.DefaultRateLimiterConfig.IdentifierExtractor,
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusForbidden, map[string]string{
				"error": "Unable to identify client for live stream",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many live stream connection attempts, please wait before trying again",
			})
		},
	})

	c.Group.GET("/stream", c.StreamEvents, limiter)
	c.Group.GET("/ws", c.HandleWebSocket, limiter)
	c.Group.GET("/stream/status", c.GetStreamStatus)
}

// StreamEvents serves live events as Server-Sent Events. The optional
// events query parameter restricts the stream to a comma separated list.
func (c *Controller) StreamEvents(ctx echo.Context) error {
	events, err := parseEventFilter(ctx.QueryParam("events"))
	if err != nil {
		return c.HandleError(ctx, err, "Invalid event filter", http.StatusBadRequest)
	}

	sub := c.hub.Subscribe(events...)
	defer c.hub.Unsubscribe(sub)

	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := c.sendSSE(ctx, connectedEvent, mustJSON(map[string]any{
		"clientId": sub.ID,
		"events":   events,
	})); err != nil {
		return nil
	}

	c.log.Info("SSE client connected",
		logger.String("client_id", sub.ID),
		logger.String("ip", ctx.RealIP()))
	defer c.log.Info("SSE client disconnected",
		logger.String("client_id", sub.ID),
		logger.String("ip", ctx.RealIP()))

	ticker := time.NewTicker(c.stream.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := c.sendSSE(ctx, ev.Name, ev.Data); err != nil {
				c.log.Debug("SSE send failed, client likely gone",
					logger.String("client_id", sub.ID),
					logger.Error(err))
				return nil
			}

		case <-ticker.C:
			if err := c.sendSSE(ctx, heartbeatEvent, c.heartbeat(sub)); err != nil {
				return nil
			}

		case <-ctx.Request().Context().Done():
			return nil

		case <-c.ctx.Done():
			return nil
		}
	}
}

// sendSSE writes one event frame and flushes it
func (c *Controller) sendSSE(ctx echo.Context, event string, data []byte) error {
	res := ctx.Response()

	// not every writer supports deadlines
	_ = http.NewResponseController(res.Writer).SetWriteDeadline(time.Now().Add(writeWait))

	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("failed to write SSE message: %w", err)
	}
	if flusher, ok := res.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// GetStreamStatus returns the number of live subscribers.
func (c *Controller) GetStreamStatus(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]any{
		"connected_clients": c.hub.Count(),
		"status":            "active",
	})
}

// HandleWebSocket upgrades the connection and streams {event, data}
// envelopes until either side closes.
func (c *Controller) HandleWebSocket(ctx echo.Context) error {
	events, err := parseEventFilter(ctx.QueryParam("events"))
	if err != nil {
		return c.HandleError(ctx, err, "Invalid event filter", http.StatusBadRequest)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     c.checkOrigin,
	}
	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		c.log.Warn("websocket upgrade failed",
			logger.String("ip", ctx.RealIP()),
			logger.Error(err))
		return nil
	}

	sub := c.hub.Subscribe(events...)
	c.log.Info("websocket client connected",
		logger.String("client_id", sub.ID),
		logger.String("ip", ctx.RealIP()))

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.writePump(conn, sub)
	}()
	go func() {
		defer c.wg.Done()
		c.readPump(conn, sub)
	}()

	return nil
}

// writePump is the only writer of conn. It ends when the subscription is
// closed, a write fails or the controller shuts down.
func (c *Controller) writePump(conn *websocket.Conn, sub *broadcast.Subscription) {
	ticker := time.NewTicker(c.stream.Heartbeat)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, mustJSON(ev)); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			envelope := broadcast.Event{Name: heartbeatEvent, Data: c.heartbeat(sub)}
			if err := conn.WriteMessage(websocket.TextMessage, mustJSON(envelope)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump drains client frames so control messages are processed, and
// removes the subscription when the connection ends.
func (c *Controller) readPump(conn *websocket.Conn, sub *broadcast.Subscription) {
	defer func() {
		c.hub.Unsubscribe(sub)
		_ = conn.Close()
		c.log.Info("websocket client disconnected", logger.String("client_id", sub.ID))
	}()

	pongWait := 2*c.stream.Heartbeat + writeWait
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error",
					logger.String("client_id", sub.ID),
					logger.Error(err))
			}
			return
		}
	}
}

// checkOrigin applies the CORS allow-list to websocket handshakes. Requests
// without an Origin header are not from browsers and pass.
func (c *Controller) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get(echo.HeaderOrigin)
	if origin == "" || len(c.stream.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(c.stream.AllowedOrigins, "*") || slices.Contains(c.stream.AllowedOrigins, origin)
}

func (c *Controller) heartbeat(sub *broadcast.Subscription) []byte {
	return mustJSON(map[string]any{
		"timestamp": time.Now().Unix(),
		"clients":   c.hub.Count(),
		"dropped":   sub.Dropped(),
	})
}

// parseEventFilter rejects names that no publisher emits.
func parseEventFilter(list string) ([]string, error) {
	events := broadcast.ParseFilter(list)
	for _, name := range events {
		if !broadcast.KnownEvent(name) {
			return nil, errors.Newf("unknown event %q", name).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
	}
	return events, nil
}

// mustJSON encodes values that cannot fail to marshal.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

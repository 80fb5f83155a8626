// internal/api/v1/offensive.go
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/skywatch/internal/detection"
	"github.com/tphakala/skywatch/internal/errors"
)

// initOffensiveRoutes registers the offensive detection endpoints
func (c *Controller) initOffensiveRoutes() {
	offensive := c.Group.Group("/offensive")
	offensive.POST("", c.PostOffensive)
	offensive.GET("", c.GetOffensive)
	offensive.GET("/drones", c.GetDrones)
}

// PostOffensive accepts a single detection, a body carrying a detection
// array or a bare array, and answers with the stored batch.
func (c *Controller) PostOffensive(ctx echo.Context) error {
	raw, err := detection.DecodePayload(ctx.Request().Body)
	if err != nil {
		enhancedErr := errors.New(err).
			Component("api").
			Category(errors.CategoryFileParsing).
			Context("operation", "decode-offensive").
			Build()
		return c.HandleError(ctx, enhancedErr, "Invalid JSON body", http.StatusBadRequest)
	}

	payload, err := c.ingest.IngestOffensive(ctx.Request().Context(), raw)
	if err != nil {
		return c.handleIngestError(ctx, err, "Failed to save offensive detections")
	}
	return ctx.JSON(http.StatusCreated, payload)
}

// GetOffensive returns offensive detections in a time range, optionally for
// one drone.
func (c *Controller) GetOffensive(ctx echo.Context) error {
	q, err := parseHistoryQuery(ctx, "droneId")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid history query", http.StatusBadRequest)
	}

	rows, err := c.history.Offensive(ctx.Request().Context(), q)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load offensive history", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, rows)
}

// GetDrones returns the per-drone rollup, most recently active first.
func (c *Controller) GetDrones(ctx echo.Context) error {
	drones, err := c.history.Sources(ctx.Request().Context(), detection.KindOffensive)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load drones", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, drones)
}

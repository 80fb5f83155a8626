package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (c *Controller) initMessageRoutes() {
	c.Group.GET("/messages", c.GetMessages)
}

// GetMessages returns the latest raw bus messages, newest first.
func (c *Controller) GetMessages(ctx echo.Context) error {
	messages, err := c.history.Messages(ctx.Request().Context(), parseLimit(ctx.QueryParam("limit")))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load messages", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, messages)
}

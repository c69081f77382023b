package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devdash/backend/internal/ws"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

// Health returns a handler reporting liveness and the current connection count.
func Health(hub *ws.Hub, started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:      "ok",
			Connections: hub.ClientCount(),
			Uptime:      formatDuration(time.Since(started)),
		})
	}
}

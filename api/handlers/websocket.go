package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devdash/backend/internal/model"
	"github.com/devdash/backend/internal/ratelimit"
	"github.com/devdash/backend/internal/ws"
	"github.com/devdash/backend/pkg/protocol"
)

// WebSocketHandler exposes the hub over HTTP: the socket upgrade, its stats
// and the publish endpoint used by out-of-process producers.
type WebSocketHandler struct {
	hub     *ws.Hub
	limiter *ratelimit.Manager
	logger  *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler. limiter and logger may
// be nil.
func NewWebSocketHandler(hub *ws.Hub, limiter *ratelimit.Manager, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		hub:     hub,
		limiter: limiter,
		logger:  logger.Named("http"),
	}
}

// Attach handles GET {wsPath} - upgrades the request to a hub connection.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if !h.limiter.AllowConnection(c.Request.RemoteAddr) {
		h.logger.Warn("connection rate limited", zap.String("remote_addr", c.Request.RemoteAddr))
		sendError(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many connection attempts")
		return
	}

	// The upgrader writes its own HTTP error on failure
	h.hub.ServeHTTP(c.Writer, c.Request)
}

// Stats handles GET /api/ws/stats - returns hub connection statistics.
func (h *WebSocketHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

// Publish handles POST /api/events - delivers an event to its subscribers,
// or to every connection when broadcast is set.
func (h *WebSocketHandler) Publish(c *gin.Context) {
	var req model.PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	t := protocol.MessageType(req.Type)
	if t.IsControl() {
		sendErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR",
			"Reserved message type cannot be published", map[string]interface{}{"type": req.Type})
		return
	}

	var delivered int
	if req.Broadcast {
		env, err := protocol.New(t, req.Data)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		delivered = h.hub.Broadcast(env)
	} else {
		n, err := h.hub.BroadcastToSubscribers(req.Type, req.Data)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to publish event: "+err.Error())
			return
		}
		delivered = n
	}

	h.logger.Debug("event published",
		zap.String("type", req.Type),
		zap.Bool("broadcast", req.Broadcast),
		zap.Int("delivered", delivered),
	)
	c.JSON(http.StatusOK, model.PublishEventResponse{Delivered: delivered})
}

// Send handles POST /api/connections/:id/send - delivers an event to one
// connection.
func (h *WebSocketHandler) Send(c *gin.Context) {
	id := c.Param("id")

	var req model.PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	env, err := protocol.New(protocol.MessageType(req.Type), req.Data)
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	if err := h.hub.SendTo(id, env); err != nil {
		switch {
		case errors.Is(err, model.ErrConnectionNotFound):
			sendError(c, http.StatusNotFound, "CONNECTION_NOT_FOUND", "Connection "+id+" not found")
		case errors.Is(err, model.ErrSendBufferFull), errors.Is(err, model.ErrConnectionClosed):
			sendError(c, http.StatusConflict, "CONNECTION_UNAVAILABLE", err.Error())
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to send event: "+err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, model.PublishEventResponse{Delivered: 1})
}

// RegisterRoutes registers the stats and publish routes on a Gin router group.
// The socket route is registered separately because its path is configurable.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws/stats", h.Stats)
	rg.POST("/events", h.Publish)
	rg.POST("/connections/:id/send", h.Send)
}

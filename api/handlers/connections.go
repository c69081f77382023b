// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devdash/backend/internal/model"
)

// ConnectionStore reads the connection audit trail.
type ConnectionStore interface {
	GetByID(ctx context.Context, id string) (*model.ConnectionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*model.ConnectionRecord, error)
	CountOpen(ctx context.Context) (int, error)
}

// ConnectionHandler serves the connection audit trail.
type ConnectionHandler struct {
	store ConnectionStore
}

// NewConnectionHandler creates a new ConnectionHandler.
func NewConnectionHandler(store ConnectionStore) *ConnectionHandler {
	return &ConnectionHandler{store: store}
}

const maxListLimit = 500

// ConnectionResponse represents a connection record in API responses.
type ConnectionResponse struct {
	ID             string   `json:"id"`
	RemoteAddr     string   `json:"remoteAddr"`
	UserAgent      string   `json:"userAgent,omitempty"`
	Subscriptions  []string `json:"subscriptions"`
	Open           bool     `json:"open"`
	CloseReason    string   `json:"closeReason,omitempty"`
	Duration       string   `json:"duration"`
	ConnectedAt    string   `json:"connectedAt"`
	DisconnectedAt string   `json:"disconnectedAt,omitempty"`
}

// ConnectionListResponse is the body of GET /api/connections.
type ConnectionListResponse struct {
	Connections []*ConnectionResponse `json:"connections"`
	Open        int                   `json:"open"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func toConnectionResponse(r *model.ConnectionRecord) *ConnectionResponse {
	subs := r.Subscriptions
	if subs == nil {
		subs = []string{}
	}
	resp := &ConnectionResponse{
		ID:            r.ID,
		RemoteAddr:    r.RemoteAddr,
		UserAgent:     r.UserAgent,
		Subscriptions: subs,
		Open:          r.Open(),
		CloseReason:   r.CloseReason,
		Duration:      formatDuration(r.Duration()),
		ConnectedAt:   r.ConnectedAt.Format(time.RFC3339),
	}
	if r.DisconnectedAt != nil {
		resp.DisconnectedAt = r.DisconnectedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration rounds d to whole seconds.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func sendErrorWithDetails(c *gin.Context, statusCode int, code, message string, details map[string]interface{}) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// List handles GET /api/connections - lists recent connections, newest first.
func (h *ConnectionHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list connections: "+err.Error())
		return
	}

	open, err := h.store.CountOpen(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count connections: "+err.Error())
		return
	}

	resp := ConnectionListResponse{
		Connections: make([]*ConnectionResponse, len(records)),
		Open:        open,
	}
	for i, r := range records {
		resp.Connections[i] = toConnectionResponse(r)
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /api/connections/:id - returns a single connection record.
func (h *ConnectionHandler) Get(c *gin.Context) {
	id := c.Param("id")

	rec, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrConnectionNotFound) {
			sendError(c, http.StatusNotFound, "CONNECTION_NOT_FOUND", "Connection "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get connection: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toConnectionResponse(rec))
}

// RegisterRoutes registers the connection routes on a Gin router group.
func (h *ConnectionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/connections", h.List)
	rg.GET("/connections/:id", h.Get)
}

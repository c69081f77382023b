package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdash/backend/internal/config"
	"github.com/devdash/backend/internal/db"
	"github.com/devdash/backend/internal/model"
	"github.com/devdash/backend/internal/ratelimit"
	"github.com/devdash/backend/internal/repository"
	"github.com/devdash/backend/internal/ws"
	"github.com/devdash/backend/pkg/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	hub    *ws.Hub
	repo   *repository.ConnectionRepository
}

func setupTestEnv(t *testing.T, limiter *ratelimit.Manager) *testEnv {
	t.Helper()

	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repo := repository.NewConnectionRepository(database)
	hub := ws.NewHub(config.Default().Hub, ws.WithRecorder(repo))
	t.Cleanup(hub.Shutdown)

	router := gin.New()
	wsHandler := NewWebSocketHandler(hub, limiter, nil)
	router.GET("/ws", wsHandler.Attach)
	router.GET("/health", Health(hub, time.Now()))

	api := router.Group("/api")
	wsHandler.RegisterRoutes(api)
	NewConnectionHandler(repo).RegisterRoutes(api)

	return &testEnv{router: router, hub: hub, repo: repo}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, events ...string) *ws.Client {
	t.Helper()
	c := ws.NewClient(e.hub, nil, ws.RequestMeta{RemoteAddr: "192.0.2.1:4000", UserAgent: "test"}, 16)
	require.NoError(t, e.hub.Register(c))
	if len(events) > 0 {
		_, _, err := e.hub.Subscribe(c, events)
		require.NoError(t, err)
	}
	return c
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestPublish_ToSubscribers(t *testing.T) {
	env := setupTestEnv(t, nil)
	watcher := env.register(t, "project_status")
	other := env.register(t)

	w := env.do(http.MethodPost, "/api/events", map[string]any{
		"type": "project_status",
		"data": map[string]string{"status": "ready"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.PublishEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Delivered)

	got, err := protocol.Parse(<-watcher.SendChan())
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeProjectStatus, got.Type)
	assert.JSONEq(t, `{"status":"ready"}`, string(got.Data))
	assert.Len(t, other.SendChan(), 0)
}

func TestPublish_Broadcast(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.register(t)
	env.register(t)

	w := env.do(http.MethodPost, "/api/events", map[string]any{
		"type":      "notification",
		"data":      map[string]string{"message": "deploy finished"},
		"broadcast": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"delivered":2}`, w.Body.String())
}

func TestPublish_Validation(t *testing.T) {
	env := setupTestEnv(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing type", body: map[string]any{"data": 1}},
		{name: "reserved type", body: map[string]any{"type": "welcome"}},
		{name: "not json", body: "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)
		})
	}
}

func TestSend_ToConnection(t *testing.T) {
	env := setupTestEnv(t, nil)
	target := env.register(t)

	w := env.do(http.MethodPost, "/api/connections/"+target.ID()+"/send", map[string]any{
		"type": "chat_response",
		"data": map[string]string{"text": "hello"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := protocol.Parse(<-target.SendChan())
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeChatResponse, got.Type)

	w = env.do(http.MethodPost, "/api/connections/missing/send", map[string]any{"type": "chat_response"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CONNECTION_NOT_FOUND", decodeError(t, w).Code)
}

func TestStats(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.register(t, "a", "b")
	env.register(t, "a")

	w := env.do(http.MethodGet, "/api/ws/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats ws.ConnectionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, stats.Subscriptions)
}

func TestConnections_ListAndGet(t *testing.T) {
	env := setupTestEnv(t, nil)
	first := env.register(t, "x")
	second := env.register(t)
	require.True(t, env.hub.Unregister(first, model.CloseReasonClient))

	w := env.do(http.MethodGet, "/api/connections?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list ConnectionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Connections, 2)
	assert.Equal(t, 1, list.Open)

	w = env.do(http.MethodGet, "/api/connections/"+first.ID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec ConnectionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.False(t, rec.Open)
	assert.Equal(t, model.CloseReasonClient, rec.CloseReason)
	assert.Equal(t, []string{"x"}, rec.Subscriptions)
	assert.NotEmpty(t, rec.DisconnectedAt)

	w = env.do(http.MethodGet, "/api/connections/"+second.ID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.True(t, rec.Open)
}

func TestConnections_Errors(t *testing.T) {
	env := setupTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/connections?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/connections/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CONNECTION_NOT_FOUND", decodeError(t, w).Code)
}

func TestConnections_EmptyList(t *testing.T) {
	env := setupTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"connections":[],"open":0}`, w.Body.String())

	count, err := env.repo.CountOpen(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAttach_RateLimited(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{Enabled: true, ConnectionsPerSecond: 0.001, ConnectionBurst: 1})
	env := setupTestEnv(t, limiter)

	// A plain GET consumes the token and fails the upgrade handshake
	w := env.do(http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w).Code)
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.register(t)

	w := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Connections)
}

package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// WSHandler handles WebSocket connections.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamExecution streams events for a single execution.
// WS /api/v1/executions/:id/stream
func (h *WSHandler) StreamExecution(c *gin.Context) {
	execID := c.Param("id")
	if execID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "MISSING_EXECUTION_ID",
				"message": "Execution ID is required",
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("execution_id", execID),
			zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("execution_id", execID))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(execID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll streams all execution and queue events; clients narrow the feed
// with subscription messages.
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Info("WebSocket connection established",
		zap.String("client_id", clientID))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(FirehoseID)

	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds WebSocket routes to the router.
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/executions/:id/stream", handler.StreamExecution)
	router.GET("/stream", handler.StreamAll)
}

package activitystream

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cyrus-run/cyrus/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the debug tail is an operator tool, not a public API; the caller
		// is expected to sit behind the same auth middleware as the rest of
		// the orchestrator's HTTP surface.
		return true
	},
}

// Handler upgrades /debug/stream requests and wires the resulting client
// into the Hub.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

// NewHandler builds a Handler bound to hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{hub: hub, log: log}
}

// StreamSession handles GET /debug/stream/:sessionId, tailing every activity
// posted for that session for as long as the connection stays open.
func (h *Handler) StreamSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "MISSING_SESSION_ID", "message": "sessionId is required"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade debug stream connection", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, sessionID, h.hub, h.log)
	h.hub.Register(client)

	h.log.Info("debug stream client connected", zap.String("client_id", clientID), zap.String("session_id", sessionID))

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes wires the debug stream endpoint into a gin router group.
func RegisterRoutes(group *gin.RouterGroup, h *Handler) {
	group.GET("/stream/:sessionId", h.StreamSession)
}

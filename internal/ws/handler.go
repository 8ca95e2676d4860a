package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mednotify/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin through the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades the real-time feed. The bearer credential arrives as a
// query parameter at connect time and is validated exactly once, before
// registration; a missing or rejected credential refuses the connection
// outright rather than attributing it to a guessed user.
type Handler struct {
	hub       *Hub
	validator auth.TokenValidator
	logger    *zap.Logger
}

func NewHandler(hub *Hub, validator auth.TokenValidator, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, validator: validator, logger: logger}
}

func (h *Handler) Serve(c *gin.Context) {
	token := c.Query("token")

	userID, err := h.validator.Validate(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("Rejected websocket credential", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid credential"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	h.hub.Register(userID, conn)
}

package handler

import (
	"net/http"
	"strings"

	"meetgo/backend/internal/chathub"
	"meetgo/backend/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow any origin; browsers connect from wherever the page is served.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the request and hands the connection to the supervisor.
// An identity token is optional; when present (query "token" or a Bearer
// header) it must be valid.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	logger := logging.Ctx(c.Request.Context())

	var anonID string
	if tokenString := bearerToken(c); tokenString != "" {
		id, err := h.validateAndGetAnonID(tokenString)
		if err != nil {
			logger.Info().Err(err).Msg("rejecting websocket with invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
		anonID = id
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(conn, h.Hub, h.Config.WebSocket, anonID)
	h.Hub.Register(client)
	client.Run()
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return ""
}

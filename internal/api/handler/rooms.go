package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListRooms returns the public rooms and their member counts.
func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Hub.Registry.PublicRooms()})
}

// ICEServers returns the STUN/TURN servers clients should use.
func (h *Handler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.Config.ICE.Servers})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.Hub.Connections(),
	})
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)
	r.GET("/rooms", h.ListRooms)
	r.GET("/ice-servers", h.ICEServers)
	r.GET("/health", h.Health)
}

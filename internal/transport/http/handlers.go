package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
)

// Handlers serves the read-only REST surface next to the signaling socket.
type Handlers struct {
	Orch       *orch.Orchestrator
	ICEServers []config.ICEServer
}

func (h *Handlers) Register(api gin.IRouter) {
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id/members", h.roomMembers)
	api.GET("/ice-servers", h.iceServers)
}

func (h *Handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Orch.Rooms.List()})
}

func (h *Handlers) roomMembers(c *gin.Context) {
	members, ok := h.Orch.Members(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
}

func (h *Handlers) iceServers(c *gin.Context) {
	servers := h.ICEServers
	if servers == nil {
		servers = []config.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

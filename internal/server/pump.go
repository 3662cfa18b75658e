package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type pumpStatusRequest struct {
	Suspended *bool `json:"suspended" binding:"required"`
}

func (s *Server) registerPumpRoutes() {
	s.engine.POST("/v1/pump/status", s.postPumpStatus)
}

// postPumpStatus records the latest hardware state. The next precheck pass
// reconciles the mode log against it; this handler never writes records.
func (s *Server) postPumpStatus(c *gin.Context) {
	var req pumpStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.pump.SetSuspended(*req.Suspended)
	c.JSON(http.StatusOK, gin.H{"suspended": *req.Suspended})
}

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/glucoloop/loopcore/internal/runningmode/domain"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
)

type profilePayload struct {
	Name  string `json:"name"`
	Valid bool   `json:"valid"`
}

type modeChangeRequest struct {
	Mode            string         `json:"mode" binding:"required"`
	Action          string         `json:"action"`
	Source          string         `json:"source"`
	DurationMinutes int            `json:"duration_minutes"`
	Profile         profilePayload `json:"profile"`
}

func (s *Server) registerModeRoutes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/mode", s.getMode)
	v1.GET("/mode/allowed", s.getAllowedModes)
	v1.POST("/mode", s.postModeChange)
	v1.GET("/suspend/remaining", s.getSuspendRemaining)
}

func (s *Server) getMode(c *gin.Context) {
	mode, record, err := s.modeSvc.Current(c.Request.Context())
	if err != nil {
		s.modeError(c, err)
		return
	}

	resp := gin.H{"mode": mode}
	if record != nil {
		resp["record"] = record
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getAllowedModes(c *gin.Context) {
	profile := domain.Profile{
		Name:  c.Query("profile"),
		Valid: c.Query("profile") != "",
	}

	modes, err := s.modeSvc.AllowedNextModes(c.Request.Context(), profile)
	if err != nil {
		s.modeError(c, err)
		return
	}
	if modes == nil {
		modes = []treatment.Mode{}
	}
	c.JSON(http.StatusOK, gin.H{"modes": modes})
}

func (s *Server) postModeChange(c *gin.Context) {
	var req modeChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := domain.ChangeSource(req.Source)
	if source == "" {
		source = domain.SourceUser
	}

	accepted, err := s.modeSvc.HandleModeChange(c.Request.Context(), domain.ChangeRequest{
		Mode:            treatment.Mode(req.Mode),
		Action:          req.Action,
		Source:          source,
		DurationMinutes: req.DurationMinutes,
		Profile: domain.Profile{
			Name:  req.Profile.Name,
			Valid: req.Profile.Valid,
		},
	})
	if err != nil {
		s.modeError(c, err)
		return
	}
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"accepted": false})
		return
	}

	mode, _, err := s.modeSvc.Current(c.Request.Context())
	if err != nil {
		s.modeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true, "mode": mode})
}

func (s *Server) getSuspendRemaining(c *gin.Context) {
	minutes, err := s.modeSvc.MinutesToEndOfSuspend(c.Request.Context())
	if err != nil {
		s.modeError(c, err)
		return
	}

	resp := gin.H{"minutes": minutes}
	if minutes == domain.MinutesIndefinite {
		resp["indefinite"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) modeError(c *gin.Context, err error) {
	_ = c.Error(err)
	if errors.Is(err, domain.ErrPrecheckDiverged) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

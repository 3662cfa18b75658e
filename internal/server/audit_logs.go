package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/glucoloop/loopcore/internal/audit/domain"
	"github.com/glucoloop/loopcore/pkg/db/pagination"
)

func (s *Server) registerAuditRoutes() {
	s.engine.GET("/v1/audit", s.listAudit)
}

func (s *Server) listAudit(c *gin.Context) {
	req := auditdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: c.Query("page_token"),
		},
		Action: c.Query("action"),
		Source: c.Query("source"),
	}

	if raw := c.Query("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
			return
		}
		req.PageSize = size
	}

	var err error
	if req.StartAt, err = parseTimeParam(c.Query("start_at")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_at"})
		return
	}
	if req.EndAt, err = parseTimeParam(c.Query("end_at")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_at"})
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, auditdomain.ErrInvalidPageToken),
			errors.Is(err, auditdomain.ErrInvalidTimeRange):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
)

func (s *Server) registerSyncRoutes() {
	s.engine.POST("/v1/sync/:kind", s.postSync)
}

// postSync hands an ordered, already-deserialized remote batch to the
// reconciliation engine. The peer is responsible for batch ordering; this
// endpoint preserves it.
func (s *Server) postSync(c *gin.Context) {
	kind := treatment.Kind(c.Param("kind"))
	if !validKind(kind) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown kind"})
		return
	}

	var batch []treatment.Record
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.syncer.Apply(c.Request.Context(), kind, batch)
	if err != nil {
		_ = c.Error(err)
		if errors.Is(err, treatment.ErrInvalidRecord) || errors.Is(err, treatment.ErrInvalidKind) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "partial": result})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "partial": result})
		return
	}

	c.JSON(http.StatusOK, result)
}

func validKind(kind treatment.Kind) bool {
	for _, k := range treatment.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type putSecretRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) handlePutSecret(c *gin.Context) {
	ws := workspaceID(c)
	if ws == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "workspace_required"})
		return
	}

	var req putSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}

	if err := s.secrets.Put(c.Request.Context(), ws, c.Param("name"), []byte(req.Value)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetSecret(c *gin.Context) {
	value, err := s.secrets.Get(c.Request.Context(), workspaceID(c), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "value": string(value)})
}

func (s *Server) handleDeleteSecret(c *gin.Context) {
	if err := s.secrets.Delete(c.Request.Context(), workspaceID(c), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

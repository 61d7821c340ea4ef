package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/warden-sh/warden/pkg/egress"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/policy"
)

type egressRequest struct {
	Action    string         `json:"action" binding:"required"`
	TargetURL string         `json:"target_url" binding:"required"`
	Method    string         `json:"method"`
	Zone      string         `json:"zone"`
	Context   map[string]any `json:"context"`
}

func (s *Server) handleEgress(c *gin.Context) {
	ws := workspaceID(c)
	if ws == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "workspace_required"})
		return
	}

	var req egressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}

	result, err := s.gateway.RequestEgress(c.Request.Context(), egress.Request{
		WorkspaceID: ws,
		Action:      req.Action,
		TargetURL:   req.TargetURL,
		Method:      req.Method,
		PrincipalID: c.GetString(ctxPrincipalID),
		Zone:        eventstore.Zone(req.Zone),
		Actor:       requestActor(c),
		TokenID:     c.GetString(ctxCapabilityID),
		Context:     req.Context,
		Correlation: c.GetString(ctxCorrelationID),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if result.Blocked {
		status = http.StatusForbidden
	}
	c.JSON(status, result)
}

type authorizeRequest struct {
	Kind           string         `json:"kind" binding:"required"`
	Action         string         `json:"action"`
	Zone           string         `json:"zone"`
	RoomID         string         `json:"room_id"`
	RunID          string         `json:"run_id"`
	Tool           string         `json:"tool"`
	Domain         string         `json:"domain"`
	DataAccessMode string         `json:"data_access_mode"`
	Context        map[string]any `json:"context"`
}

// handleAuthorize exposes the policy gate for tool_call / data_access /
// action checks from run workers.
func (s *Server) handleAuthorize(c *gin.Context) {
	ws := workspaceID(c)
	if ws == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "workspace_required"})
		return
	}

	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}

	decision, err := s.gate.Authorize(c.Request.Context(), policy.Request{
		Kind:              req.Kind,
		Action:            req.Action,
		WorkspaceID:       ws,
		Actor:             requestActor(c),
		PrincipalID:       c.GetString(ctxPrincipalID),
		CapabilityTokenID: c.GetString(ctxCapabilityID),
		Zone:              eventstore.Zone(req.Zone),
		RoomID:            req.RoomID,
		RunID:             req.RunID,
		Tool:              req.Tool,
		Domain:            req.Domain,
		DataAccessMode:    req.DataAccessMode,
		CorrelationID:     c.GetString(ctxCorrelationID),
		Context:           req.Context,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if decision.Blocked {
		status = http.StatusForbidden
	}
	c.JSON(status, decision)
}

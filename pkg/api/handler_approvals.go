package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/warden-sh/warden/pkg/approval"
	"github.com/warden-sh/warden/pkg/eventstore"
)

func (s *Server) handleListApprovals(c *gin.Context) {
	approvals, err := s.queries.ListApprovals(
		c.Request.Context(), workspaceID(c), c.Query("status"), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

type decideRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (s *Server) handleDecideApproval(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}

	ev, err := s.approvals.Decide(c.Request.Context(), approval.DecideInput{
		ApprovalID:  c.Param("id"),
		WorkspaceID: workspaceID(c),
		Decision:    req.Decision,
		DecidedBy:   requestActor(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"approval_id": c.Param("id"), "decision": req.Decision}
	if ev != nil {
		resp["event_id"] = ev.EventID
	} else {
		resp["noop"] = true // matching double-decide
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListIncidents(c *gin.Context) {
	incidents, err := s.queries.ListIncidents(
		c.Request.Context(), workspaceID(c), c.Query("status"), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

// requestActor derives the event actor for API-originated events.
func requestActor(c *gin.Context) eventstore.Actor {
	if principal := c.GetString(ctxPrincipalID); principal != "" {
		return eventstore.Actor{Type: eventstore.ActorUser, ID: principal}
	}
	if agent := c.GetHeader("x-agent-id"); agent != "" {
		return eventstore.Actor{Type: eventstore.ActorAgent, ID: agent}
	}
	return eventstore.Actor{Type: eventstore.ActorService, ID: "api"}
}

func intQuery(c *gin.Context, name string) int {
	if raw := c.Query(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}

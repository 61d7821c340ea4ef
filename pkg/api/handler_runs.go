package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/warden-sh/warden/pkg/eventstore"
)

type createRunRequest struct {
	RunID    string         `json:"run_id"`
	RoomID   string         `json:"room_id"`
	RiskTier string         `json:"risk_tier"`
	Input    map[string]any `json:"input"`
}

// handleCreateRun appends run.requested; the projector materializes the
// queued run for workers to claim.
func (s *Server) handleCreateRun(c *gin.Context) {
	ws := workspaceID(c)
	if ws == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "workspace_required"})
		return
	}

	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}
	if req.RunID == "" {
		req.RunID = "run_" + uuid.NewString()
	}

	ev, err := s.store.Append(c.Request.Context(), eventstore.Envelope{
		EventType:     "run.requested",
		WorkspaceID:   ws,
		RunID:         req.RunID,
		RoomID:        req.RoomID,
		Actor:         requestActor(c),
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: ws},
		CorrelationID: c.GetString(ctxCorrelationID),
		Data: eventstore.RunRequestedPayload{
			RunID:    req.RunID,
			RoomID:   req.RoomID,
			RiskTier: req.RiskTier,
			Input:    req.Input,
		},
		IdempotencyKey: eventstore.IdempotencyKey("api", ws, req.RunID, "run_requested"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"run_id": req.RunID, "event_id": ev.EventID})
}

func (s *Server) handleListRuns(c *gin.Context) {
	ws := workspaceID(c)
	runs, err := s.queries.ListRuns(c.Request.Context(), ws, c.Query("status"), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.queries.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

type claimRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	// Workspace narrows the claim scope; empty claims globally.
	Workspace string `json:"workspace_id"`
}

func (s *Server) handleClaimRun(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}
	scope := req.Workspace
	if scope == "" {
		scope = workspaceID(c)
	}

	claimed, err := s.runs.Claim(c.Request.Context(), scope, req.WorkerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimed)
}

type leaseRequest struct {
	ClaimToken string `json:"claim_token" binding:"required"`
}

func (s *Server) handleHeartbeatRun(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}
	expires, err := s.runs.Heartbeat(c.Request.Context(), c.Param("id"), req.ClaimToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease_expires_at": expires})
}

func (s *Server) handleReleaseRun(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}
	if err := s.runs.Release(c.Request.Context(), c.Param("id"), req.ClaimToken); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type completeRequest struct {
	ClaimToken string         `json:"claim_token" binding:"required"`
	Output     map[string]any `json:"output"`
}

func (s *Server) handleCompleteRun(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}
	if err := s.runs.Complete(c.Request.Context(), c.Param("id"), req.ClaimToken, req.Output); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type failRequest struct {
	ClaimToken string `json:"claim_token" binding:"required"`
	Code       string `json:"code"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

func (s *Server) handleFailRun(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}
	if err := s.runs.Fail(c.Request.Context(), c.Param("id"), req.ClaimToken, req.Code, req.Kind, req.Message); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

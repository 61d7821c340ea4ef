package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/ratelimit"
)

type createMessageRequest struct {
	ThreadID     string `json:"thread_id" binding:"required"`
	Body         string `json:"body" binding:"required"`
	Heartbeat    bool   `json:"heartbeat"`
	ExperimentID string `json:"experiment_id"`
}

// handleCreateMessage is the rate-limited hot path: limiter first (its
// increment survives a 429 by design), then the append. The DLP sweep inside
// the append handles leaked credentials.
func (s *Server) handleCreateMessage(c *gin.Context) {
	ws := workspaceID(c)
	if ws == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "workspace_required"})
		return
	}

	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_body", "error": err.Error()})
		return
	}

	actor := requestActor(c)
	agentID := ""
	if actor.Type == eventstore.ActorAgent {
		agentID = actor.ID
	}

	if err := s.limiter.Check(c.Request.Context(), ratelimit.CheckInput{
		WorkspaceID:  ws,
		AgentID:      agentID,
		ExperimentID: req.ExperimentID,
		Heartbeat:    req.Heartbeat,
	}); err != nil {
		respondError(c, err)
		return
	}

	messageID := "msg_" + uuid.NewString()
	ev, err := s.store.Append(c.Request.Context(), eventstore.Envelope{
		EventType:     "message.created",
		WorkspaceID:   ws,
		ThreadID:      req.ThreadID,
		Actor:         actor,
		Stream:        eventstore.StreamRef{Type: eventstore.StreamThread, ID: req.ThreadID},
		CorrelationID: c.GetString(ctxCorrelationID),
		Data:          eventstore.MessageCreatedPayload{MessageID: messageID, Body: req.Body},
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message_id":       messageID,
		"event_id":         ev.EventID,
		"stream_seq":       ev.StreamSeq,
		"contains_secrets": ev.ContainsSecrets,
		"redaction_level":  ev.RedactionLevel,
	})
}

func (s *Server) handleSearchMessages(c *gin.Context) {
	term := c.Query("q")
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "query_required"})
		return
	}
	results, err := s.queries.SearchMessages(c.Request.Context(), workspaceID(c), term, intQuery(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": results})
}

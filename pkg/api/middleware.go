package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Context keys set by middleware.
const (
	ctxRequestID     = "request_id"
	ctxCorrelationID = "correlation_id"
	ctxWorkspaceID   = "workspace_id"
	ctxPrincipalID   = "principal_id"
	ctxCapabilityID  = "capability_token_id"
)

// Headers on every request/response.
const (
	headerRequestID   = "x-request-id"
	headerCorrelation = "x-correlation-id"
	headerWorkspace   = "x-workspace-id"
	headerCapability  = "x-capability-token"
)

// requestContext assigns request and correlation ids, honoring inbound
// headers, and reflects them on the response.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = "req_" + uuid.NewString()
		}
		correlationID := c.GetHeader(headerCorrelation)
		if correlationID == "" {
			correlationID = "corr_" + uuid.NewString()
		}

		c.Set(ctxRequestID, requestID)
		c.Set(ctxCorrelationID, correlationID)

		c.Header(headerRequestID, requestID)
		c.Header(headerCorrelation, correlationID)

		c.Next()
	}
}

// requestLogger emits one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(ctxRequestID))
	}
}

// authenticate resolves the caller: an owner session bearer token when
// present, otherwise the legacy x-workspace-id header. The workspace header
// is honored only when the session principal belongs to that workspace (or
// there is no session to contradict it).
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenID := c.GetHeader(headerCapability); tokenID != "" {
			c.Set(ctxCapabilityID, tokenID)
		}

		headerWS := c.GetHeader(headerWorkspace)

		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(authz, "Bearer ") && s.sessions != nil {
			token := strings.TrimPrefix(authz, "Bearer ")
			sess, err := s.sessions.Lookup(c.Request.Context(), token)
			if err == nil {
				c.Set(ctxPrincipalID, sess.PrincipalID)
				workspace := sess.WorkspaceID
				if headerWS != "" && headerWS == sess.WorkspaceID {
					workspace = headerWS
				}
				c.Set(ctxWorkspaceID, workspace)
				c.Header(headerWorkspace, workspace)
				c.Next()
				return
			}
			slog.Debug("Session lookup failed, falling through", "error", err)
		}

		// Legacy header fallback: no authenticated principal.
		if headerWS != "" {
			c.Set(ctxWorkspaceID, headerWS)
			c.Header(headerWorkspace, headerWS)
		}
		c.Next()
	}
}

// workspaceID resolves the effective workspace for a request, preferring the
// authenticated one.
func workspaceID(c *gin.Context) string {
	return c.GetString(ctxWorkspaceID)
}

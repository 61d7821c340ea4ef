package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/warden-sh/warden/pkg/version"
)

// handleHealth reports DB connectivity, feed listener state, and cron
// health.
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "ok"
	if err := s.dbClient.HealthCheck(c.Request.Context()); err != nil {
		dbStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	listenerStatus := "disabled"
	if s.listener != nil {
		if s.listener.Running() {
			listenerStatus = "ok"
		} else {
			listenerStatus = "stopped"
		}
	}

	var cronFailures int
	var cronError *string
	_ = s.dbClient.DB().QueryRowContext(c.Request.Context(),
		`SELECT consecutive_failures, last_error FROM cron_health WHERE component = 'heart_cron'`,
	).Scan(&cronFailures, &cronError)

	c.JSON(status, gin.H{
		"version":  version.Full(),
		"database": dbStatus,
		"pool":     s.dbClient.Stats(),
		"listener": listenerStatus,
		"cron": gin.H{
			"consecutive_failures": cronFailures,
			"last_error":           cronError,
		},
	})
}

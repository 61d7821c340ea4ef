package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/warden-sh/warden/pkg/approval"
	"github.com/warden-sh/warden/pkg/egress"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/ratelimit"
	"github.com/warden-sh/warden/pkg/runlease"
	"github.com/warden-sh/warden/pkg/secrets"
	"github.com/warden-sh/warden/pkg/services"
)

// respondError maps domain errors onto HTTP statuses with machine-readable
// reason codes. Unexpected errors become 500s carrying the correlation id.
func respondError(c *gin.Context, err error) {
	var contract *ratelimit.ContractViolationError
	if errors.As(err, &contract) {
		c.Header("retry-after", strconv.Itoa(contract.RetryAfterSec))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"reason_code":     contract.ReasonCode,
			"retry_after_sec": contract.RetryAfterSec,
			"rule":            contract.Rule,
		})
		return
	}

	var invalidTarget *egress.InvalidEgressTargetError
	if errors.As(err, &invalidTarget) {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_egress_target", "error": invalidTarget.Error()})
		return
	}

	var validation *eventstore.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_envelope", "error": validation.Error()})
		return
	}

	switch {
	case errors.Is(err, runlease.ErrLeaseLost):
		c.JSON(http.StatusConflict, gin.H{"reason_code": "lease_lost"})
	case errors.Is(err, runlease.ErrNoRunAvailable):
		c.JSON(http.StatusNoContent, nil)
	case errors.Is(err, approval.ErrNotOpen):
		c.JSON(http.StatusConflict, gin.H{"reason_code": "approval_not_open"})
	case errors.Is(err, approval.ErrBadDecision):
		c.JSON(http.StatusBadRequest, gin.H{"reason_code": "invalid_decision"})
	case errors.Is(err, approval.ErrNotFound),
		errors.Is(err, services.ErrNotFound),
		errors.Is(err, runlease.ErrRunNotFound),
		errors.Is(err, secrets.ErrNotFound),
		errors.Is(err, eventstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"reason_code": "not_found"})
	case errors.Is(err, secrets.ErrNoMasterKey):
		c.JSON(http.StatusNotImplemented, gin.H{"reason_code": "secrets_disabled"})
	default:
		slog.Error("Unexpected API error",
			"error", err, "correlation_id", c.GetString(ctxCorrelationID))
		c.JSON(http.StatusInternalServerError, gin.H{
			"reason_code":    "internal_error",
			"correlation_id": c.GetString(ctxCorrelationID),
		})
	}
}

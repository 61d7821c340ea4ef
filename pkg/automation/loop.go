// Package automation reacts to projected events: failed runs open incidents
// or request human decisions, and recorded scorecards drive the promotion
// loop (pass approvals, fail incidents, revocation, quarantine).
//
// Every emission goes through the event store with a deterministic
// idempotency key, so a re-delivered trigger replays the stored event
// instead of double-firing. Handler internals get two attempts; a handler
// that still fails degrades into an automation_internal_error incident
// rather than halting the loop.
package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sh/warden/pkg/config"
	"github.com/warden-sh/warden/pkg/eventstore"
)

// Loop holds the reactive handlers.
type Loop struct {
	db    *sql.DB
	store *eventstore.Store
	cfg   *config.PromotionConfig
	// windowSec sizes trigger dedup anchors.
	windowSec int

	// failTestTripped makes the first handler invocation fail when
	// AUTOMATION_FAIL_TEST is set, to exercise the retry/fallback path.
	failTestTripped bool
}

// NewLoop creates the automation loop.
func NewLoop(db *sql.DB, store *eventstore.Store, cfg *config.PromotionConfig, windowSec int) *Loop {
	if windowSec <= 0 {
		windowSec = 600
	}
	return &Loop{db: db, store: store, cfg: cfg, windowSec: windowSec}
}

// HandleEvent dispatches one projected event to the matching trigger.
// Intended to be registered as a projector follow-up.
func (l *Loop) HandleEvent(ctx context.Context, ev *eventstore.Event) {
	switch ev.EventType {
	case "run.failed":
		l.guarded(ctx, ev, "run_failed", l.onRunFailed)
	case "scorecard.recorded":
		l.guarded(ctx, ev, "scorecard_recorded", l.onScorecardRecorded)
	}
}

// guarded runs a handler with two attempts and an internal-error fallback.
func (l *Loop) guarded(ctx context.Context, ev *eventstore.Event, trigger string,
	fn func(ctx context.Context, ev *eventstore.Event) error) {

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		lastErr = l.invoke(ctx, ev, fn)
		if lastErr == nil {
			return
		}
		slog.Warn("Automation handler failed",
			"trigger", trigger, "event_id", ev.EventID, "attempt", attempt, "error", lastErr)
	}

	anchor := eventstore.WindowAnchor(time.Now(), l.windowSec)
	_, err := l.store.Append(ctx, eventstore.Envelope{
		EventType:     "incident.opened",
		WorkspaceID:   ev.WorkspaceID,
		Actor:         eventstore.Actor{Type: eventstore.ActorService, ID: "automation-loop"},
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: ev.WorkspaceID},
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.EventID,
		Data: eventstore.IncidentOpenedPayload{
			IncidentID: "inc_" + uuid.NewString(),
			Category:   "automation_internal_error",
			Severity:   "high",
			EntityType: "event",
			EntityID:   ev.EventID,
			Summary:    fmt.Sprintf("automation trigger %s failed twice: %v", trigger, lastErr),
		},
		IdempotencyKey: eventstore.IdempotencyKey(
			"automation_error", ev.WorkspaceID, ev.EventID, trigger, anchor),
	})
	if err != nil {
		slog.Error("Failed to open automation fallback incident", "error", err)
	}
}

func (l *Loop) invoke(ctx context.Context, ev *eventstore.Event,
	fn func(ctx context.Context, ev *eventstore.Event) error) error {
	if l.cfg.FailTest && !l.failTestTripped {
		l.failTestTripped = true
		return errors.New("automation fail test tripped")
	}
	return fn(ctx, ev)
}

// onRunFailed opens a triage incident for an unexplained failure, and for
// high-risk runs without an active incident requests a human decision under
// a deterministic message id.
func (l *Loop) onRunFailed(ctx context.Context, ev *eventstore.Event) error {
	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}
	failed, ok := payload.(*eventstore.RunFailedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for run.failed")
	}

	// A run that was deliberately revoked or denied is already explained.
	var explained bool
	if err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM proj_approvals
		   WHERE workspace_id = $1 AND status = 'denied'
		     AND scope = 'run' AND scope_ref = $2
		 )`,
		ev.WorkspaceID, failed.RunID,
	).Scan(&explained); err != nil {
		return fmt.Errorf("failed to check prior denials: %w", err)
	}
	if explained {
		return nil
	}

	anchor := eventstore.WindowAnchor(time.Now(), l.windowSec)
	incidentKey := eventstore.IdempotencyKey("automation", ev.WorkspaceID, failed.RunID, "run_failed", anchor)
	if _, err := l.store.Append(ctx, eventstore.Envelope{
		EventType:     "incident.opened",
		WorkspaceID:   ev.WorkspaceID,
		RunID:         failed.RunID,
		Actor:         eventstore.Actor{Type: eventstore.ActorService, ID: "automation-loop"},
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: ev.WorkspaceID},
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.EventID,
		Data: eventstore.IncidentOpenedPayload{
			IncidentID: "inc_" + uuid.NewString(),
			Category:   "run_failed",
			Severity:   severityForRisk(failed.RiskTier),
			EntityType: "run",
			EntityID:   failed.RunID,
			Summary:    "run failed: " + failed.Error.Message,
		},
		IdempotencyKey: incidentKey,
	}); err != nil {
		return fmt.Errorf("failed to open run_failed incident: %w", err)
	}

	if failed.RiskTier != "high" {
		return nil
	}

	var activeIncident bool
	if err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM proj_incidents
		   WHERE workspace_id = $1 AND entity_type = 'run' AND entity_id = $2 AND status = 'open'
		 )`,
		ev.WorkspaceID, failed.RunID,
	).Scan(&activeIncident); err != nil {
		return fmt.Errorf("failed to check active incidents: %w", err)
	}
	if activeIncident {
		return nil
	}

	decisionKey := eventstore.IdempotencyKey("automation", ev.WorkspaceID, failed.RunID, "human_decision", anchor)
	messageID := DeterministicID(decisionKey)
	if _, err := l.store.Append(ctx, eventstore.Envelope{
		EventType:     "approval.requested",
		WorkspaceID:   ev.WorkspaceID,
		RunID:         failed.RunID,
		Actor:         eventstore.Actor{Type: eventstore.ActorService, ID: "automation-loop"},
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: ev.WorkspaceID},
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.EventID,
		Data: eventstore.ApprovalRequestedPayload{
			ApprovalID: "apr_" + messageID,
			Action:     "run.retry_decision",
			Scope:      "run",
			ScopeRef:   failed.RunID,
		},
		IdempotencyKey: decisionKey,
	}); err != nil {
		return fmt.Errorf("failed to request human decision: %w", err)
	}

	return nil
}

// scorecardActions are the promotion-loop outcomes of one scorecard.
type scorecardActions struct {
	IterationOverflow bool
	PassApproval      bool
	FailIncident      bool
	RevokeApproval    bool
	Quarantine        bool
}

// evaluateScorecard applies the promotion thresholds to one scorecard and
// the trailing fail count.
func evaluateScorecard(cfg *config.PromotionConfig, sc *eventstore.ScorecardRecordedPayload, windowFails int) scorecardActions {
	var actions scorecardActions

	if sc.MaxIterations > 0 && sc.IterationCount > sc.MaxIterations {
		actions.IterationOverflow = true
	}

	switch sc.Decision {
	case "pass":
		actions.PassApproval = true
	case "fail":
		if windowFails >= cfg.FailThreshold {
			actions.FailIncident = true
		}
		if windowFails >= cfg.SevereThreshold {
			actions.RevokeApproval = true
		}
		if windowFails >= cfg.QuarantineThreshold {
			actions.Quarantine = true
		}
	}

	return actions
}

// onScorecardRecorded drives the promotion loop from one scorecard.
func (l *Loop) onScorecardRecorded(ctx context.Context, ev *eventstore.Event) error {
	if !l.cfg.Enabled {
		return nil
	}

	payload, err := eventstore.DecodePayload(ev)
	if err != nil {
		return err
	}
	sc, ok := payload.(*eventstore.ScorecardRecordedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for scorecard.recorded")
	}

	var windowFails int
	if sc.Decision == "fail" {
		if err := l.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM proj_scorecards
			 WHERE workspace_id = $1 AND agent_id = $2 AND decision = 'fail'
			   AND recorded_at > now() - $3::interval`,
			ev.WorkspaceID, sc.AgentID, fmt.Sprintf("%d seconds", int(l.cfg.Window.Seconds())),
		).Scan(&windowFails); err != nil {
			return fmt.Errorf("failed to count window fails: %w", err)
		}
		// The triggering scorecard may not be projected yet.
		if windowFails < 1 {
			windowFails = 1
		}
	}

	actions := evaluateScorecard(l.cfg, sc, windowFails)
	anchor := eventstore.WindowAnchor(time.Now(), l.windowSec)
	base := eventstore.Envelope{
		WorkspaceID:   ev.WorkspaceID,
		RunID:         sc.RunID,
		Actor:         eventstore.Actor{Type: eventstore.ActorService, ID: "automation-loop"},
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: ev.WorkspaceID},
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.EventID,
	}

	if actions.IterationOverflow {
		env := base
		env.EventType = "incident.opened"
		env.Data = eventstore.IncidentOpenedPayload{
			IncidentID: "inc_" + uuid.NewString(),
			Category:   "loop.iteration_overflow",
			Severity:   "medium",
			EntityType: "agent",
			EntityID:   sc.AgentID,
			Summary:    fmt.Sprintf("agent exceeded iteration budget (%d > %d)", sc.IterationCount, sc.MaxIterations),
		}
		env.IdempotencyKey = eventstore.IdempotencyKey("loop", ev.WorkspaceID, sc.ScorecardID, "iteration_overflow", anchor)
		if _, err := l.store.Append(ctx, env); err != nil {
			return fmt.Errorf("failed to open iteration overflow incident: %w", err)
		}
	}

	if actions.PassApproval {
		key := eventstore.IdempotencyKey("loop", ev.WorkspaceID, sc.RunID, "pass_approval", anchor)
		env := base
		env.EventType = "approval.requested"
		env.Data = eventstore.ApprovalRequestedPayload{
			ApprovalID: "apr_" + DeterministicID(key),
			Action:     "agent.promote",
			Scope:      "run",
			ScopeRef:   sc.RunID,
		}
		env.IdempotencyKey = key
		if _, err := l.store.Append(ctx, env); err != nil {
			return fmt.Errorf("failed to request pass approval: %w", err)
		}
	}

	if actions.FailIncident {
		env := base
		env.EventType = "incident.opened"
		env.Data = eventstore.IncidentOpenedPayload{
			IncidentID: "inc_" + uuid.NewString(),
			Category:   "loop.fail_threshold",
			Severity:   "medium",
			EntityType: "agent",
			EntityID:   sc.AgentID,
			Summary:    fmt.Sprintf("agent failed %d scorecards in the evaluation window", windowFails),
		}
		env.IdempotencyKey = eventstore.IdempotencyKey("loop", ev.WorkspaceID, sc.AgentID, "fail_threshold", anchor)
		if _, err := l.store.Append(ctx, env); err != nil {
			return fmt.Errorf("failed to open fail-threshold incident: %w", err)
		}
	}

	if actions.RevokeApproval {
		key := eventstore.IdempotencyKey("loop", ev.WorkspaceID, sc.AgentID, "revoke_approval", anchor)
		env := base
		env.EventType = "approval.requested"
		env.Data = eventstore.ApprovalRequestedPayload{
			ApprovalID: "apr_" + DeterministicID(key),
			Action:     "agent.revoke",
			Scope:      "workspace",
			ScopeRef:   sc.AgentID,
		}
		env.IdempotencyKey = key
		if _, err := l.store.Append(ctx, env); err != nil {
			return fmt.Errorf("failed to request revoke approval: %w", err)
		}
	}

	if actions.Quarantine {
		env := base
		env.EventType = "agent.quarantined"
		env.Data = map[string]any{
			"agent_id": sc.AgentID,
			"reason":   "quarantine threshold reached",
			"fails":    windowFails,
		}
		env.IdempotencyKey = eventstore.IdempotencyKey("loop", ev.WorkspaceID, sc.AgentID, "quarantine", anchor)
		if _, err := l.store.Append(ctx, env); err != nil {
			return fmt.Errorf("failed to quarantine agent: %w", err)
		}
	}

	return nil
}

func severityForRisk(riskTier string) string {
	if riskTier == "high" {
		return "high"
	}
	return "medium"
}

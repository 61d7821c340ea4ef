// Package ratelimit enforces fixed-window request limits on the message hot
// path, with streak tracking that promotes sustained flooding into an
// incident.
//
// A breached check COMMITS its bucket increment before failing: a client
// hammering a 429 keeps consuming its window. That asymmetry is deliberate —
// rolling back would let retries bypass the limit.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sh/warden/pkg/config"
	"github.com/warden-sh/warden/pkg/eventstore"
)

// bucketMaxAge is how long spent buckets linger before the allow-path prune.
const bucketMaxAge = 2 * time.Hour

// pruneBatch bounds the allow-path DELETE.
const pruneBatch = 500

// ContractViolationError is a machine-readable contract breach surfaced to
// callers, carrying a retry hint when applicable.
type ContractViolationError struct {
	ReasonCode    string
	RetryAfterSec int
	Rule          string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation %s (rule %s, retry after %ds)",
		e.ReasonCode, e.Rule, e.RetryAfterSec)
}

// Rule is one fixed-window limit.
type Rule struct {
	Name      string
	Limit     int
	WindowSec int
	// keyFn builds the bucket key from the check input.
	keyFn func(in CheckInput) string
}

// CheckInput identifies the request being limited.
type CheckInput struct {
	WorkspaceID  string
	AgentID      string
	ExperimentID string
	Heartbeat    bool
}

// Limiter owns rate_limit_buckets and rate_limit_streaks.
type Limiter struct {
	db    *sql.DB
	store *eventstore.Store
	cfg   *config.RateLimitConfig
	rules []Rule
	now   func() time.Time
}

// NewLimiter builds the limiter with the rule set derived from config.
func NewLimiter(db *sql.DB, store *eventstore.Store, cfg *config.RateLimitConfig) *Limiter {
	return &Limiter{
		db:    db,
		store: store,
		cfg:   cfg,
		rules: buildRules(cfg),
		now:   time.Now,
	}
}

// buildRules derives the deterministic, ordered rule set. Heartbeats get
// their own lane so a flooding agent cannot starve liveness signals, and
// vice versa.
func buildRules(cfg *config.RateLimitConfig) []Rule {
	return []Rule{
		{
			Name: "heartbeat_per_min", Limit: cfg.HeartbeatPerMin, WindowSec: 60,
			keyFn: func(in CheckInput) string {
				if !in.Heartbeat {
					return ""
				}
				return "hb:" + in.WorkspaceID + ":" + in.AgentID
			},
		},
		{
			Name: "agent_per_min", Limit: cfg.AgentPerMin, WindowSec: 60,
			keyFn: func(in CheckInput) string {
				if in.Heartbeat || in.AgentID == "" {
					return ""
				}
				return "agent:" + in.WorkspaceID + ":" + in.AgentID
			},
		},
		{
			Name: "agent_per_hour", Limit: cfg.AgentPerHour, WindowSec: 3600,
			keyFn: func(in CheckInput) string {
				if in.Heartbeat || in.AgentID == "" {
					return ""
				}
				return "agent:" + in.WorkspaceID + ":" + in.AgentID
			},
		},
		{
			Name: "experiment_per_hour", Limit: cfg.ExperimentPerHour, WindowSec: 3600,
			keyFn: func(in CheckInput) string {
				if in.Heartbeat || in.ExperimentID == "" {
					return ""
				}
				return "exp:" + in.WorkspaceID + ":" + in.ExperimentID
			},
		},
		{
			Name: "global_per_min", Limit: cfg.GlobalPerMin, WindowSec: 60,
			keyFn: func(in CheckInput) string {
				if in.Heartbeat {
					return ""
				}
				return "global:" + in.WorkspaceID
			},
		},
	}
}

// windowStart floors an instant onto a rule's window boundary in UTC.
func windowStart(now time.Time, windowSec int) time.Time {
	epoch := now.Unix()
	return time.Unix((epoch/int64(windowSec))*int64(windowSec), 0).UTC()
}

// retryAfterSec is the whole seconds until the current window ends, always
// in (0, windowSec].
func retryAfterSec(now time.Time, windowSec int) int {
	end := windowStart(now, windowSec).Add(time.Duration(windowSec) * time.Second)
	secs := int(end.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	if secs > windowSec {
		secs = windowSec
	}
	return secs
}

// Check applies every applicable rule in order. On breach it records the
// increment and the streak, possibly opens an agent_flooding incident, then
// returns ContractViolationError("rate_limited"). The transaction COMMITS on
// breach by design.
func (l *Limiter) Check(ctx context.Context, in CheckInput) error {
	now := l.now()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rate limit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var breach *Rule
	var breachRetry int
	for i := range l.rules {
		rule := &l.rules[i]
		key := rule.keyFn(in)
		if key == "" {
			continue
		}

		ws := windowStart(now, rule.WindowSec)
		var count int
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO rate_limit_buckets (bucket_key, window_start, window_sec, count)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (bucket_key, window_start, window_sec)
			 DO UPDATE SET count = rate_limit_buckets.count + 1
			 RETURNING count`,
			key, ws, rule.WindowSec,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to bump bucket %s: %w", key, err)
		}

		if count > rule.Limit {
			breach = rule
			breachRetry = retryAfterSec(now, rule.WindowSec)
			break
		}
	}

	if breach == nil {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit rate limit transaction: %w", err)
		}
		l.pruneOldBuckets(ctx, now)
		return nil
	}

	if err := l.recordBreach(ctx, tx, in, now); err != nil {
		slog.Error("Failed to record rate limit streak", "error", err)
	}

	// Intentional COMMIT on the failure path: the increment must stick.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rate limit breach: %w", err)
	}

	return &ContractViolationError{
		ReasonCode:    "rate_limited",
		RetryAfterSec: breachRetry,
		Rule:          breach.Name,
	}
}

// recordBreach bumps the consecutive-429 streak and opens an agent_flooding
// incident when the streak crosses the threshold outside the mute period.
func (l *Limiter) recordBreach(ctx context.Context, tx *sql.Tx, in CheckInput, now time.Time) error {
	agentID := in.AgentID
	if agentID == "" {
		agentID = "-"
	}
	scope := "messages"

	var streak int
	var lastIncident sql.NullTime
	err := tx.QueryRowContext(ctx,
		`INSERT INTO rate_limit_streaks (workspace_id, agent_id, scope, consecutive_429, last_429_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (workspace_id, agent_id, scope) DO UPDATE SET
		   consecutive_429 = CASE
		     WHEN rate_limit_streaks.last_429_at IS NOT NULL
		          AND rate_limit_streaks.last_429_at > $4 - make_interval(secs => $5)
		     THEN rate_limit_streaks.consecutive_429 + 1
		     ELSE 1
		   END,
		   last_429_at = $4
		 RETURNING consecutive_429, last_incident_at`,
		in.WorkspaceID, agentID, scope, now, int(config.StreakWindow.Seconds()),
	).Scan(&streak, &lastIncident)
	if err != nil {
		return fmt.Errorf("failed to bump streak: %w", err)
	}

	if streak < l.cfg.StreakThreshold {
		return nil
	}
	if lastIncident.Valid && now.Sub(lastIncident.Time) < l.cfg.IncidentMute {
		return nil
	}

	anchor := eventstore.WindowAnchor(now, int(l.cfg.IncidentMute.Seconds()))
	incidentID := "inc_" + uuid.NewString()
	_, err = l.store.AppendTx(ctx, tx, eventstore.Envelope{
		EventType:     "incident.opened",
		WorkspaceID:   in.WorkspaceID,
		Actor:         eventstore.Actor{Type: eventstore.ActorService, ID: "rate-limiter"},
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID: "ratelimit:" + in.WorkspaceID + ":" + agentID,
		Data: eventstore.IncidentOpenedPayload{
			IncidentID: incidentID,
			Category:   "agent_flooding",
			Severity:   "medium",
			EntityType: "agent",
			EntityID:   agentID,
			Summary:    fmt.Sprintf("agent hit %d consecutive rate limit breaches", streak),
		},
		IdempotencyKey: eventstore.IdempotencyKey("ratelimit", in.WorkspaceID, agentID, "agent_flooding", anchor),
	})
	if err != nil {
		return fmt.Errorf("failed to open flooding incident: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rate_limit_streaks SET last_incident_at = $4
		 WHERE workspace_id = $1 AND agent_id = $2 AND scope = $3`,
		in.WorkspaceID, agentID, scope, now,
	); err != nil {
		return fmt.Errorf("failed to stamp incident mute: %w", err)
	}

	slog.Warn("Rate limit streak promoted to incident",
		"workspace_id", in.WorkspaceID, "agent_id", agentID, "streak", streak)
	return nil
}

// pruneOldBuckets is a best-effort, bounded cleanup on the allow path.
func (l *Limiter) pruneOldBuckets(ctx context.Context, now time.Time) {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limit_buckets
		 WHERE ctid IN (
		   SELECT ctid FROM rate_limit_buckets WHERE window_start < $1 LIMIT $2
		 )`,
		now.Add(-bucketMaxAge), pruneBatch,
	)
	if err != nil {
		slog.Debug("Bucket prune failed", "error", err)
	}
}

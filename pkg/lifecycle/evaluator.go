package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warden-sh/warden/pkg/eventstore"
)

// Evaluator runs the daily survival → lifecycle pass for one target.
type Evaluator struct {
	db    *sql.DB
	store *eventstore.Store
}

// NewEvaluator creates the evaluator.
func NewEvaluator(db *sql.DB, store *eventstore.Store) *Evaluator {
	return &Evaluator{db: db, store: store}
}

// Target identifies what is being evaluated.
type Target struct {
	WorkspaceID string
	TargetType  string // "workspace" or "agent"
	TargetID    string
}

// EvaluateDay records the day's ledger, applies the state machine, and on a
// state change appends lifecycle.state.changed with the event id backfilled
// onto both the state row and the transition row.
func (e *Evaluator) EvaluateDay(ctx context.Context, target Target, day time.Time, ledger LedgerDay) (string, error) {
	dayUTC := day.UTC().Truncate(24 * time.Hour)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin lifecycle transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	score := ledger.Score()
	util := ledger.BudgetUtilization()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO survival_ledger
		   (workspace_id, target_type, target_id, day, successes, failures,
		    budget_used, budget_limit, violations, repeated_mistakes,
		    survival_score, budget_utilization)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (workspace_id, target_type, target_id, day) DO UPDATE SET
		   successes = EXCLUDED.successes, failures = EXCLUDED.failures,
		   budget_used = EXCLUDED.budget_used, budget_limit = EXCLUDED.budget_limit,
		   violations = EXCLUDED.violations, repeated_mistakes = EXCLUDED.repeated_mistakes,
		   survival_score = EXCLUDED.survival_score,
		   budget_utilization = EXCLUDED.budget_utilization`,
		target.WorkspaceID, target.TargetType, target.TargetID, dayUTC,
		ledger.Successes, ledger.Failures, ledger.BudgetUsed, ledger.BudgetLimit,
		ledger.Violations, ledger.RepeatedMistakes, score, util,
	); err != nil {
		return "", fmt.Errorf("failed to upsert survival ledger: %w", err)
	}

	// Load (or default) the current state under lock.
	current := StateActive
	counters := Counters{}
	err = tx.QueryRowContext(ctx,
		`SELECT current_state, consecutive_healthy, consecutive_sunset
		 FROM lifecycle_states
		 WHERE workspace_id = $1 AND target_type = $2 AND target_id = $3
		 FOR UPDATE`,
		target.WorkspaceID, target.TargetType, target.TargetID,
	).Scan(&current, &counters.ConsecutiveHealthy, &counters.ConsecutiveSunset)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to load lifecycle state: %w", err)
	}

	recommended := Recommend(ledger)
	next, nextCounters := Next(current, recommended, counters)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lifecycle_states
		   (workspace_id, target_type, target_id, current_state,
		    consecutive_healthy, consecutive_sunset, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (workspace_id, target_type, target_id) DO UPDATE SET
		   current_state = EXCLUDED.current_state,
		   consecutive_healthy = EXCLUDED.consecutive_healthy,
		   consecutive_sunset = EXCLUDED.consecutive_sunset,
		   updated_at = now()`,
		target.WorkspaceID, target.TargetType, target.TargetID,
		next, nextCounters.ConsecutiveHealthy, nextCounters.ConsecutiveSunset,
	); err != nil {
		return "", fmt.Errorf("failed to upsert lifecycle state: %w", err)
	}

	if next != current {
		var transitionID int64
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO lifecycle_transitions
			   (workspace_id, target_type, target_id, from_state, to_state,
			    recommended_state, occurred_on)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			target.WorkspaceID, target.TargetType, target.TargetID,
			current, next, recommended, dayUTC,
		).Scan(&transitionID); err != nil {
			return "", fmt.Errorf("failed to insert lifecycle transition: %w", err)
		}

		ev, err := e.store.AppendTx(ctx, tx, eventstore.Envelope{
			EventType:   "lifecycle.state.changed",
			WorkspaceID: target.WorkspaceID,
			Actor:       eventstore.Actor{Type: eventstore.ActorService, ID: "lifecycle-evaluator"},
			Stream:      eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: target.WorkspaceID},
			Data: eventstore.LifecycleStateChangedPayload{
				TargetType:       target.TargetType,
				TargetID:         target.TargetID,
				FromState:        current,
				ToState:          next,
				RecommendedState: recommended,
			},
			IdempotencyKey: eventstore.IdempotencyKey(
				"lifecycle", target.WorkspaceID, target.TargetType, target.TargetID,
				dayUTC.Format("2006-01-02")),
		})
		if err != nil {
			return "", fmt.Errorf("failed to append lifecycle.state.changed: %w", err)
		}

		// Backfill the triggering event onto both rows so projection and
		// history point at the same fact.
		if _, err := tx.ExecContext(ctx,
			`UPDATE lifecycle_states SET last_event_id = $4
			 WHERE workspace_id = $1 AND target_type = $2 AND target_id = $3`,
			target.WorkspaceID, target.TargetType, target.TargetID, ev.EventID,
		); err != nil {
			return "", fmt.Errorf("failed to backfill state event id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE lifecycle_transitions SET event_id = $2 WHERE id = $1`,
			transitionID, ev.EventID,
		); err != nil {
			return "", fmt.Errorf("failed to backfill transition event id: %w", err)
		}

		slog.Info("Lifecycle state changed",
			"workspace_id", target.WorkspaceID, "target", target.TargetID,
			"from", current, "to", next, "recommended", recommended)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit lifecycle evaluation: %w", err)
	}
	return next, nil
}

// ComputeLedger aggregates the day's raw inputs from projections and
// counters for one target.
func (e *Evaluator) ComputeLedger(ctx context.Context, target Target, day time.Time) (LedgerDay, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	var ledger LedgerDay

	runFilter := ""
	args := []any{target.WorkspaceID, dayStart, dayEnd}
	if target.TargetType == "agent" {
		runFilter = " AND claimed_by_actor_id = $4"
		args = append(args, target.TargetID)
	}

	err := e.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'completed'),
		   COUNT(*) FILTER (WHERE status = 'failed')
		 FROM proj_runs
		 WHERE workspace_id = $1 AND updated_at >= $2 AND updated_at < $3`+runFilter,
		args...,
	).Scan(&ledger.Successes, &ledger.Failures)
	if err != nil {
		return ledger, fmt.Errorf("failed to aggregate run outcomes: %w", err)
	}

	subject := target.TargetID
	if target.TargetType == "agent" {
		subject = "agent:" + target.TargetID
	}
	err = e.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(seen_count), 0) FROM sec_constraints
		 WHERE workspace_id = $1 AND ($2 = '' OR subject_key = $2)
		   AND last_seen_at >= $3 AND last_seen_at < $4`,
		target.WorkspaceID, subjectFilter(target.TargetType, subject), dayStart, dayEnd,
	).Scan(&ledger.Violations)
	if err != nil {
		return ledger, fmt.Errorf("failed to aggregate violations: %w", err)
	}

	err = e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sec_mistake_counters
		 WHERE workspace_id = $1 AND ($2 = '' OR subject_key = $2)
		   AND repeat_count >= 2 AND last_repeat_at >= $3 AND last_repeat_at < $4`,
		target.WorkspaceID, subjectFilter(target.TargetType, subject), dayStart, dayEnd,
	).Scan(&ledger.RepeatedMistakes)
	if err != nil {
		return ledger, fmt.Errorf("failed to aggregate repeated mistakes: %w", err)
	}

	return ledger, nil
}

func subjectFilter(targetType, subject string) string {
	if targetType == "workspace" {
		return ""
	}
	return subject
}

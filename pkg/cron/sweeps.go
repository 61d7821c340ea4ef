package cron

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warden-sh/warden/pkg/eventstore"
)

// Error codes NOT escalated by the demoted_stale sweep: these failures are
// already routed through triage and opening a second incident would just
// double the noise.
var triagedErrorKinds = map[string]bool{
	"triage":     true,
	"user_error": true,
	"cancelled":  true,
}

// sweepApprovalTimeouts opens an incident for every approval stuck in
// pending/held past the timeout. Each candidate gets its own short
// transaction; rows locked by a concurrent decision are skipped, not waited
// on.
func (r *Runtime) sweepApprovalTimeouts(ctx context.Context, workspaceID string, lockLost *atomic.Bool) (SweepCount, error) {
	cutoff := time.Now().Add(-r.cfg.ApprovalTimeout)
	anchor := eventstore.WindowAnchor(time.Now(), r.cfg.WindowSec)

	rows, err := r.db.QueryContext(ctx,
		`SELECT approval_id FROM proj_approvals
		 WHERE workspace_id = $1 AND status IN ('pending', 'held') AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		workspaceID, cutoff, r.cfg.BatchLimit,
	)
	if err != nil {
		return SweepCount{}, fmt.Errorf("failed to list timed-out approvals: %w", err)
	}
	candidates, err := collectIDs(rows)
	if err != nil {
		return SweepCount{}, err
	}

	count := SweepCount{Candidates: len(candidates)}
	for _, approvalID := range candidates {
		if lockLost.Load() {
			break
		}
		outcome, err := r.emitCandidateIncident(ctx, candidateIncident{
			workspaceID: workspaceID,
			lockQuery:   `SELECT 1 FROM proj_approvals WHERE approval_id = $1 FOR UPDATE NOWAIT`,
			lockArg:     approvalID,
			category:    "cron.approval_timeout",
			entityType:  "approval",
			entityID:    approvalID,
			summary:     "approval exceeded its decision timeout",
			sweep:       "approval_timeout",
			anchor:      anchor,
		})
		if err != nil {
			return count, err
		}
		switch outcome {
		case outcomeEmitted:
			count.Emitted++
		case outcomeSkippedLocked:
			count.SkippedLocked++
		}
	}
	return count, nil
}

// sweepStuckRuns opens incidents for runs sitting in queued/running past the
// stuck timeout.
func (r *Runtime) sweepStuckRuns(ctx context.Context, workspaceID string, lockLost *atomic.Bool) (SweepCount, error) {
	cutoff := time.Now().Add(-r.cfg.RunStuckTimeout)
	anchor := eventstore.WindowAnchor(time.Now(), r.cfg.WindowSec)

	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id FROM proj_runs
		 WHERE workspace_id = $1 AND status IN ('queued', 'running') AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		workspaceID, cutoff, r.cfg.BatchLimit,
	)
	if err != nil {
		return SweepCount{}, fmt.Errorf("failed to list stuck runs: %w", err)
	}
	candidates, err := collectIDs(rows)
	if err != nil {
		return SweepCount{}, err
	}

	count := SweepCount{Candidates: len(candidates)}
	for _, runID := range candidates {
		if lockLost.Load() {
			break
		}
		outcome, err := r.emitCandidateIncident(ctx, candidateIncident{
			workspaceID: workspaceID,
			lockQuery:   `SELECT 1 FROM proj_runs WHERE run_id = $1 FOR UPDATE NOWAIT`,
			lockArg:     runID,
			category:    "cron.run_stuck",
			entityType:  "run",
			entityID:    runID,
			summary:     "run made no progress past the stuck timeout",
			sweep:       "run_stuck",
			anchor:      anchor,
		})
		if err != nil {
			return count, err
		}
		switch outcome {
		case outcomeEmitted:
			count.Emitted++
		case outcomeSkippedLocked:
			count.SkippedLocked++
		}
	}
	return count, nil
}

// sweepDemotedStale escalates failed runs that never got triaged: no open
// triage incident and an error kind outside the triaged set.
func (r *Runtime) sweepDemotedStale(ctx context.Context, workspaceID string, lockLost *atomic.Bool) (SweepCount, error) {
	cutoff := time.Now().Add(-r.cfg.DemotedStale)
	anchor := eventstore.WindowAnchor(time.Now(), r.cfg.WindowSec)

	rows, err := r.db.QueryContext(ctx,
		`SELECT p.run_id, COALESCE(p.error->>'kind', p.error->>'code', '') FROM proj_runs p
		 WHERE p.workspace_id = $1 AND p.status = 'failed' AND p.updated_at < $2
		   AND NOT EXISTS (
		     SELECT 1 FROM proj_incidents i
		     WHERE i.workspace_id = p.workspace_id
		       AND i.entity_type = 'run' AND i.entity_id = p.run_id AND i.status = 'open'
		   )
		 ORDER BY p.updated_at ASC LIMIT $3`,
		workspaceID, cutoff, r.cfg.BatchLimit,
	)
	if err != nil {
		return SweepCount{}, fmt.Errorf("failed to list demoted runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type candidate struct {
		runID     string
		errorKind string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.errorKind); err != nil {
			return SweepCount{}, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return SweepCount{}, err
	}

	count := SweepCount{Candidates: len(candidates)}
	for _, c := range candidates {
		if lockLost.Load() {
			break
		}
		if triagedErrorKinds[c.errorKind] {
			continue
		}
		outcome, err := r.emitCandidateIncident(ctx, candidateIncident{
			workspaceID: workspaceID,
			lockQuery:   `SELECT 1 FROM proj_runs WHERE run_id = $1 FOR UPDATE NOWAIT`,
			lockArg:     c.runID,
			category:    "cron.demoted_stale",
			entityType:  "run",
			entityID:    c.runID,
			summary:     "failed run aged out without triage",
			sweep:       "demoted_stale",
			anchor:      anchor,
		})
		if err != nil {
			return count, err
		}
		switch outcome {
		case outcomeEmitted:
			count.Emitted++
		case outcomeSkippedLocked:
			count.SkippedLocked++
		}
	}
	return count, nil
}

type candidateIncident struct {
	workspaceID string
	lockQuery   string
	lockArg     string
	category    string
	entityType  string
	entityID    string
	summary     string
	sweep       string
	anchor      string
}

type emitOutcome int

const (
	outcomeEmitted emitOutcome = iota
	outcomeSkippedLocked
	outcomeDuplicate
)

// emitCandidateIncident processes one candidate in its own short
// transaction: NOWAIT row lock, then an idempotent incident.opened through
// the event store. A second tick inside the same window anchor replays the
// stored event instead of inserting a duplicate.
func (r *Runtime) emitCandidateIncident(ctx context.Context, in candidateIncident) (emitOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin sweep transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, in.lockQuery, in.lockArg); err != nil {
		if isLockNotAvailable(err) {
			slog.Debug("Sweep candidate locked, skipping",
				"sweep", in.sweep, "entity_id", in.entityID)
			return outcomeSkippedLocked, nil
		}
		return 0, fmt.Errorf("failed to lock sweep candidate: %w", err)
	}

	key := eventstore.SweepIdempotencyKey(in.sweep, in.workspaceID, in.entityType, in.entityID, in.anchor)
	ev, err := r.store.AppendTx(ctx, tx, eventstore.Envelope{
		EventType:   "incident.opened",
		WorkspaceID: in.workspaceID,
		Actor:       eventstore.Actor{Type: eventstore.ActorService, ID: "heart-cron"},
		Stream:      eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: in.workspaceID},
		Data: eventstore.IncidentOpenedPayload{
			IncidentID: "inc_" + uuid.NewString(),
			Category:   in.category,
			Severity:   "medium",
			EntityType: in.entityType,
			EntityID:   in.entityID,
			Summary:    in.summary,
		},
		IdempotencyKey: key,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open sweep incident: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep transaction: %w", err)
	}

	if ev.IdempotencyKey == key && !ev.RecordedAt.IsZero() && time.Since(ev.RecordedAt) > 2*time.Second {
		return outcomeDuplicate, nil
	}
	return outcomeEmitted, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

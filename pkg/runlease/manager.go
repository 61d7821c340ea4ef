// Package runlease implements the worker claim protocol for runs: claim the
// oldest queued run under SKIP LOCKED, heartbeat the lease with a fencing
// claim token, and land a terminal event or let the lease lapse back into
// the queue.
package runlease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sh/warden/pkg/eventstore"
)

// Claim errors.
var (
	// ErrNoRunAvailable is returned when nothing is claimable in scope.
	ErrNoRunAvailable = errors.New("no run available")

	// ErrLeaseLost is returned when a heartbeat/release/terminal call carries
	// a claim token that no longer matches. The worker must abandon the run.
	ErrLeaseLost = errors.New("lease_lost")

	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
)

// Manager performs lease operations on proj_runs and run_attempts.
type Manager struct {
	db       *sql.DB
	store    *eventstore.Store
	leaseTTL time.Duration
}

// NewManager creates a run lease manager.
func NewManager(db *sql.DB, store *eventstore.Store, leaseTTL time.Duration) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Manager{db: db, store: store, leaseTTL: leaseTTL}
}

// Claimed describes a successful claim.
type Claimed struct {
	RunID          string    `json:"run_id"`
	WorkspaceID    string    `json:"workspace_id"`
	ClaimToken     string    `json:"claim_token"`
	AttemptNo      int       `json:"attempt_no"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Claim picks the oldest claimable run — queued, or running with an expired
// lease (a dead worker's leftovers) — in the worker's scope. workspaceID may
// be empty for unrestricted workers.
//
// The row is taken with FOR UPDATE SKIP LOCKED so concurrent workers never
// block each other, plus a transaction-scoped advisory lock on the run id so
// two processes on the same host cannot race the same candidate through
// separate pools.
func (m *Manager) Claim(ctx context.Context, workspaceID, workerActorID string) (*Claimed, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT run_id, workspace_id, correlation_id, attempt_count FROM proj_runs
	          WHERE (status = 'queued' OR (status = 'running' AND lease_expires_at < now()))`
	args := []any{}
	if workspaceID != "" {
		query += ` AND workspace_id = $1`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	var runID, runWorkspace string
	var correlation sql.NullString
	var attemptCount int
	err = tx.QueryRowContext(ctx, query, args...).Scan(&runID, &runWorkspace, &correlation, &attemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRunAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable run: %w", err)
	}

	var advisoryOK bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1)::bigint)`, runID,
	).Scan(&advisoryOK); err != nil {
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !advisoryOK {
		return nil, ErrNoRunAvailable
	}

	claimToken := uuid.NewString()
	attemptNo := attemptCount + 1
	leaseExpires := time.Now().Add(m.leaseTTL)

	if _, err := tx.ExecContext(ctx,
		`UPDATE proj_runs SET
		   status = 'running', claim_token = $2, claimed_by_actor_id = $3,
		   lease_expires_at = $4, attempt_count = $5, updated_at = now()
		 WHERE run_id = $1`,
		runID, claimToken, workerActorID, leaseExpires, attemptNo,
	); err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_attempts (run_id, attempt_no, claim_token, claimed_by_actor_id)
		 VALUES ($1, $2, $3, $4)`,
		runID, attemptNo, claimToken, workerActorID,
	); err != nil {
		return nil, fmt.Errorf("failed to insert run attempt: %w", err)
	}

	if _, err := m.store.AppendTx(ctx, tx, eventstore.Envelope{
		EventType:     "run.started",
		WorkspaceID:   runWorkspace,
		RunID:         runID,
		Actor:         eventstore.Actor{Type: eventstore.ActorService, ID: workerActorID},
		Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: runWorkspace},
		CorrelationID: correlation.String,
		Data: eventstore.RunStartedPayload{
			RunID:            runID,
			AttemptNo:        attemptNo,
			ClaimedByActorID: workerActorID,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to append run.started: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	slog.Info("Run claimed", "run_id", runID, "worker", workerActorID, "attempt_no", attemptNo)
	return &Claimed{
		RunID:          runID,
		WorkspaceID:    runWorkspace,
		ClaimToken:     claimToken,
		AttemptNo:      attemptNo,
		LeaseExpiresAt: leaseExpires,
	}, nil
}

// Heartbeat extends the lease. The conditional update on (run_id,
// claim_token) is the fencing check: zero rows means the lease moved on.
func (m *Manager) Heartbeat(ctx context.Context, runID, claimToken string) (time.Time, error) {
	leaseExpires := time.Now().Add(m.leaseTTL)
	res, err := m.db.ExecContext(ctx,
		`UPDATE proj_runs SET lease_expires_at = $3, updated_at = now()
		 WHERE run_id = $1 AND claim_token = $2 AND status = 'running'`,
		runID, claimToken, leaseExpires,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to heartbeat run lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, ErrLeaseLost
	}
	return leaseExpires, nil
}

// Release gives the lease up without a terminal event. The run stays
// running with an already-expired lease, so the next Claim (or the stuck
// sweep) picks it back up.
func (m *Manager) Release(ctx context.Context, runID, claimToken string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE proj_runs SET claim_token = NULL, claimed_by_actor_id = NULL,
		   lease_expires_at = now(), status = 'queued', updated_at = now()
		 WHERE run_id = $1 AND claim_token = $2 AND status = 'running'`,
		runID, claimToken,
	)
	if err != nil {
		return fmt.Errorf("failed to release run lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	if _, err := m.db.ExecContext(ctx,
		`UPDATE run_attempts SET ended_at = now(), outcome = 'released'
		 WHERE run_id = $1 AND claim_token = $2 AND ended_at IS NULL`,
		runID, claimToken,
	); err != nil {
		slog.Warn("Failed to close run attempt on release", "run_id", runID, "error", err)
	}
	return nil
}

// Complete lands run.completed and clears the lease.
func (m *Manager) Complete(ctx context.Context, runID, claimToken string, output map[string]any) error {
	return m.terminal(ctx, runID, claimToken, "completed", func(workspaceID, correlationID string) eventstore.Envelope {
		return eventstore.Envelope{
			EventType:     "run.completed",
			WorkspaceID:   workspaceID,
			RunID:         runID,
			Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data:          eventstore.RunCompletedPayload{RunID: runID, Output: output},
		}
	})
}

// Fail lands run.failed and clears the lease.
func (m *Manager) Fail(ctx context.Context, runID, claimToken, code, kind, message string) error {
	return m.terminal(ctx, runID, claimToken, "failed", func(workspaceID, correlationID string) eventstore.Envelope {
		payload := eventstore.RunFailedPayload{RunID: runID}
		payload.Error.Code = code
		payload.Error.Kind = kind
		payload.Error.Message = message
		return eventstore.Envelope{
			EventType:     "run.failed",
			WorkspaceID:   workspaceID,
			RunID:         runID,
			Stream:        eventstore.StreamRef{Type: eventstore.StreamWorkspace, ID: workspaceID},
			CorrelationID: correlationID,
			Data:          payload,
		}
	})
}

func (m *Manager) terminal(ctx context.Context, runID, claimToken, status string,
	build func(workspaceID, correlationID string) eventstore.Envelope) error {

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin terminal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var workspaceID string
	var correlation, worker sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT workspace_id, correlation_id, claimed_by_actor_id FROM proj_runs
		 WHERE run_id = $1 AND claim_token = $2 AND status = 'running'
		 FOR UPDATE`,
		runID, claimToken,
	).Scan(&workspaceID, &correlation, &worker)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to load run for terminal update: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE proj_runs SET status = $2, claim_token = NULL,
		   lease_expires_at = NULL, updated_at = now()
		 WHERE run_id = $1`,
		runID, status,
	); err != nil {
		return fmt.Errorf("failed to update run terminal status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE run_attempts SET ended_at = now(), outcome = $3
		 WHERE run_id = $1 AND claim_token = $2 AND ended_at IS NULL`,
		runID, claimToken, status,
	); err != nil {
		return fmt.Errorf("failed to close run attempt: %w", err)
	}

	env := build(workspaceID, correlation.String)
	env.Actor = eventstore.Actor{Type: eventstore.ActorService, ID: worker.String}
	if env.Actor.ID == "" {
		env.Actor.ID = "run-worker"
	}
	if _, err := m.store.AppendTx(ctx, tx, env); err != nil {
		return fmt.Errorf("failed to append terminal run event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit terminal update: %w", err)
	}
	return nil
}

// RecoverStartupOrphans releases leases held by this worker id from a
// previous process life. Idempotent; called once at boot, before claiming.
func (m *Manager) RecoverStartupOrphans(ctx context.Context, workerActorID string) (int, error) {
	res, err := m.db.ExecContext(ctx,
		`UPDATE proj_runs SET status = 'queued', claim_token = NULL,
		   claimed_by_actor_id = NULL, lease_expires_at = NULL, updated_at = now()
		 WHERE claimed_by_actor_id = $1 AND status = 'running'`,
		workerActorID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover startup orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("Recovered startup orphan runs", "worker", workerActorID, "count", n)
	}
	return int(n), nil
}

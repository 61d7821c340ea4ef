package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/runlease"
	"github.com/warden-sh/warden/test/util"
)

func TestClaimHeartbeatTakeover(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	mgr := runlease.NewManager(db, store, 5*time.Minute)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO proj_runs (run_id, workspace_id, status)
		 VALUES ('run_R', 'ws_lease', 'queued')`)
	require.NoError(t, err)

	// Worker A claims and heartbeats twice.
	claimA, err := mgr.Claim(ctx, "ws_lease", "worker_a")
	require.NoError(t, err)
	assert.Equal(t, "run_R", claimA.RunID)
	assert.Equal(t, 1, claimA.AttemptNo)

	_, err = mgr.Heartbeat(ctx, "run_R", claimA.ClaimToken)
	require.NoError(t, err)
	_, err = mgr.Heartbeat(ctx, "run_R", claimA.ClaimToken)
	require.NoError(t, err)

	// Nothing else is claimable while the lease is live.
	_, err = mgr.Claim(ctx, "ws_lease", "worker_b")
	assert.ErrorIs(t, err, runlease.ErrNoRunAvailable)

	// Worker A stops; the lease expires.
	_, err = db.ExecContext(ctx,
		`UPDATE proj_runs SET lease_expires_at = now() - interval '1 second' WHERE run_id = 'run_R'`)
	require.NoError(t, err)

	// Worker B takes over; attempt_no advances.
	claimB, err := mgr.Claim(ctx, "ws_lease", "worker_b")
	require.NoError(t, err)
	assert.Equal(t, "run_R", claimB.RunID)
	assert.Equal(t, 2, claimB.AttemptNo)

	// Worker A's stale token is fenced out.
	_, err = mgr.Heartbeat(ctx, "run_R", claimA.ClaimToken)
	assert.ErrorIs(t, err, runlease.ErrLeaseLost)

	var attempts int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_attempts WHERE run_id = 'run_R'`).Scan(&attempts))
	assert.Equal(t, 2, attempts)

	// Both claims appended run.started.
	var started int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_events WHERE event_type = 'run.started'
		 AND data->>'run_id' = 'run_R'`).Scan(&started))
	assert.Equal(t, 2, started)
}

func TestCompleteClearsLeaseAndAppendsTerminal(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	mgr := runlease.NewManager(db, store, 5*time.Minute)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO proj_runs (run_id, workspace_id, status)
		 VALUES ('run_done', 'ws_lease', 'queued')`)
	require.NoError(t, err)

	claimed, err := mgr.Claim(ctx, "ws_lease", "worker_a")
	require.NoError(t, err)

	require.NoError(t, mgr.Complete(ctx, "run_done", claimed.ClaimToken, map[string]any{"ok": true}))

	var status string
	var claimToken *string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status, claim_token FROM proj_runs WHERE run_id = 'run_done'`).Scan(&status, &claimToken))
	assert.Equal(t, "completed", status)
	assert.Nil(t, claimToken)

	// A stale terminal call after completion is a lease loss.
	assert.ErrorIs(t, mgr.Complete(ctx, "run_done", claimed.ClaimToken, nil), runlease.ErrLeaseLost)
}

func TestVoluntaryReleaseRequeues(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	mgr := runlease.NewManager(db, store, 5*time.Minute)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO proj_runs (run_id, workspace_id, status)
		 VALUES ('run_rel', 'ws_lease', 'queued')`)
	require.NoError(t, err)

	claimed, err := mgr.Claim(ctx, "ws_lease", "worker_a")
	require.NoError(t, err)
	require.NoError(t, mgr.Release(ctx, "run_rel", claimed.ClaimToken))

	// Immediately claimable again.
	reclaimed, err := mgr.Claim(ctx, "ws_lease", "worker_b")
	require.NoError(t, err)
	assert.Equal(t, "run_rel", reclaimed.RunID)
	assert.Equal(t, 2, reclaimed.AttemptNo)
}

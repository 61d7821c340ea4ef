package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/config"
	"github.com/warden-sh/warden/pkg/cron"
	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/leases"
	"github.com/warden-sh/warden/test/util"
)

func cronConfig() *config.CronConfig {
	return &config.CronConfig{
		LockLease:              30 * time.Second,
		LockHeartbeat:          10 * time.Second,
		TickInterval:           time.Minute,
		JitterMax:              0, // deterministic ticks in tests
		BatchLimit:             50,
		WorkspaceConcurrency:   2,
		WindowSec:              600,
		ApprovalTimeout:        time.Hour,
		RunStuckTimeout:        time.Hour,
		DemotedStale:           time.Hour,
		WatchdogAlertThreshold: 3,
		WatchdogHaltThreshold:  10,
	}
}

func TestLeaseAcquireHeartbeatFencing(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	mgr := leases.NewManager(db)
	ctx := context.Background()

	token, err := mgr.Acquire(ctx, "heart_cron", "holder_a", 30*time.Second)
	require.NoError(t, err)

	// A second holder cannot take a live lease.
	_, err = mgr.Acquire(ctx, "heart_cron", "holder_b", 30*time.Second)
	assert.ErrorIs(t, err, leases.ErrLockHeld)

	// The live holder heartbeats fine.
	require.NoError(t, mgr.Heartbeat(ctx, "heart_cron", token, 30*time.Second))

	// Force expiry, let B steal, then A's token is fenced out everywhere.
	_, err = db.ExecContext(ctx, `UPDATE cron_locks SET expires_at = now() - interval '1 second'`)
	require.NoError(t, err)

	tokenB, err := mgr.Acquire(ctx, "heart_cron", "holder_b", 30*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.Heartbeat(ctx, "heart_cron", token, 30*time.Second), leases.ErrLockLost)
	require.NoError(t, mgr.Heartbeat(ctx, "heart_cron", tokenB, 30*time.Second))

	require.NoError(t, mgr.Release(ctx, "heart_cron", tokenB))
}

func TestApprovalTimeoutSweepIdempotentWithinWindow(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	runtime := cron.NewRuntime(db, store, leases.NewManager(db), cronConfig())
	ctx := context.Background()

	// An approval aged past the timeout, straight into the projection.
	_, err := db.ExecContext(ctx,
		`INSERT INTO proj_approvals
		   (approval_id, workspace_id, action, status, scope, updated_at)
		 VALUES ('apr_old', 'ws_sweep', 'external.write', 'pending', 'once', now() - interval '2 hours')`)
	require.NoError(t, err)

	// Two back-to-back ticks inside one window anchor.
	require.NoError(t, runtime.TickHeartCron(ctx))
	require.NoError(t, runtime.TickHeartCron(ctx))

	var incidents int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_events
		 WHERE event_type = 'incident.opened'
		   AND data->>'category' = 'cron.approval_timeout'
		   AND data->>'entity_id' = 'apr_old'`).Scan(&incidents))
	assert.Equal(t, 1, incidents, "duplicate ticks inside one window collapse")
}

func TestStuckRunSweepOpensIncident(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	runtime := cron.NewRuntime(db, store, leases.NewManager(db), cronConfig())
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO proj_runs (run_id, workspace_id, status, created_at, updated_at)
		 VALUES ('run_stuck', 'ws_sweep', 'running', now() - interval '3 hours', now() - interval '3 hours')`)
	require.NoError(t, err)

	require.NoError(t, runtime.TickHeartCron(ctx))

	var incidents int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_events
		 WHERE event_type = 'incident.opened'
		   AND data->>'category' = 'cron.run_stuck'
		   AND data->>'entity_id' = 'run_stuck'`).Scan(&incidents))
	assert.Equal(t, 1, incidents)
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/test/util"
)

func TestCheckEnforcesWindowLimit(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	l := NewLimiter(db, store, testConfig())

	at := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return at }

	in := CheckInput{WorkspaceID: "ws_rl", AgentID: "ag_1"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, in), "request %d within limit", i+1)
	}

	err := l.Check(ctx, in)
	var contract *ContractViolationError
	require.ErrorAs(t, err, &contract)
	assert.Equal(t, "rate_limited", contract.ReasonCode)
	assert.Equal(t, "agent_per_min", contract.Rule)
	assert.Greater(t, contract.RetryAfterSec, 0)
	assert.LessOrEqual(t, contract.RetryAfterSec, 60)

	// The breached increment COMMITTED: the bucket holds all four requests.
	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count FROM rate_limit_buckets WHERE bucket_key = 'agent:ws_rl:ag_1' AND window_sec = 60`,
	).Scan(&count))
	assert.Equal(t, 4, count)

	// A new window admits traffic again.
	l.now = func() time.Time { return at.Add(time.Minute) }
	assert.NoError(t, l.Check(ctx, in))
}

func TestStreakPromotesToSingleIncident(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	l := NewLimiter(db, store, testConfig())

	base := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	ctx := context.Background()
	in := CheckInput{WorkspaceID: "ws_streak", AgentID: "ag_2"}

	// Three consecutive minutes, four messages each: a breach per minute.
	for minute := 0; minute < 3; minute++ {
		l.now = func() time.Time { return base.Add(time.Duration(minute) * time.Minute) }
		for i := 0; i < 3; i++ {
			require.NoError(t, l.Check(ctx, in))
		}
		err := l.Check(ctx, in)
		var contract *ContractViolationError
		require.ErrorAs(t, err, &contract, "minute %d must breach", minute)
	}

	var incidents int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_events
		 WHERE event_type = 'incident.opened' AND data->>'category' = 'agent_flooding'
		   AND workspace_id = 'ws_streak'`).Scan(&incidents))
	assert.Equal(t, 1, incidents, "streak threshold crossed exactly once")

	// Another breach inside the mute period stays silent.
	l.now = func() time.Time { return base.Add(3 * time.Minute) }
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, in))
	}
	err := l.Check(ctx, in)
	var contract *ContractViolationError
	require.True(t, errors.As(err, &contract))

	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_events
		 WHERE event_type = 'incident.opened' AND data->>'category' = 'agent_flooding'
		   AND workspace_id = 'ws_streak'`).Scan(&incidents))
	assert.Equal(t, 1, incidents, "mute period suppresses repeats")
}

func TestHeartbeatLaneIsolatedFromMessageLane(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	l := NewLimiter(db, store, testConfig())
	l.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	msg := CheckInput{WorkspaceID: "ws_hb", AgentID: "ag_3"}
	hb := CheckInput{WorkspaceID: "ws_hb", AgentID: "ag_3", Heartbeat: true}

	// Exhaust the message lane.
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, msg))
	}
	require.Error(t, l.Check(ctx, msg))

	// Heartbeats still pass.
	assert.NoError(t, l.Check(ctx, hb))
}

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/eventstore"
	"github.com/warden-sh/warden/pkg/lifecycle"
	"github.com/warden-sh/warden/test/util"
)

func TestEvaluateDayDemotesAndBackfillsEvent(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	eval := lifecycle.NewEvaluator(db, store)
	ctx := context.Background()

	target := lifecycle.Target{WorkspaceID: "ws_life", TargetType: "agent", TargetID: "ag_1"}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// A bad day: more failures than successes demotes an active agent
	// immediately.
	state, err := eval.EvaluateDay(ctx, target, day, lifecycle.LedgerDay{Successes: 1, Failures: 5})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateProbation, state)

	// The transition row and the state row both point at the emitted event.
	var stateEventID, transitionEventID string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COALESCE(last_event_id, '') FROM lifecycle_states
		 WHERE workspace_id = 'ws_life' AND target_id = 'ag_1'`).Scan(&stateEventID))
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COALESCE(event_id, '') FROM lifecycle_transitions
		 WHERE workspace_id = 'ws_life' AND target_id = 'ag_1'
		 ORDER BY id DESC LIMIT 1`).Scan(&transitionEventID))

	require.NotEmpty(t, stateEventID)
	assert.Equal(t, stateEventID, transitionEventID)

	ev, err := store.GetByID(ctx, stateEventID)
	require.NoError(t, err)
	assert.Equal(t, "lifecycle.state.changed", ev.EventType)

	// Ledger row recorded with derived score.
	var score float64
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT survival_score FROM survival_ledger
		 WHERE workspace_id = 'ws_life' AND target_id = 'ag_1' AND day = $1`, day).Scan(&score))
	assert.InDelta(t, 1.0/6.0, score, 1e-9)
}

func TestEvaluateDayHysteresisToActive(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	eval := lifecycle.NewEvaluator(db, store)
	ctx := context.Background()

	target := lifecycle.Target{WorkspaceID: "ws_life2", TargetType: "agent", TargetID: "ag_2"}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Demote first.
	state, err := eval.EvaluateDay(ctx, target, day, lifecycle.LedgerDay{Failures: 4})
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateProbation, state)

	// One healthy day is not enough.
	state, err = eval.EvaluateDay(ctx, target, day.AddDate(0, 0, 1), lifecycle.LedgerDay{Successes: 8})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateProbation, state)

	// The second consecutive healthy day promotes.
	state, err = eval.EvaluateDay(ctx, target, day.AddDate(0, 0, 2), lifecycle.LedgerDay{Successes: 8})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, state)
}

func TestEvaluateDayStateUnchangedEmitsNoEvent(t *testing.T) {
	db, _ := util.SetupTestDatabase(t)
	store := eventstore.NewStore(db)
	eval := lifecycle.NewEvaluator(db, store)
	ctx := context.Background()

	target := lifecycle.Target{WorkspaceID: "ws_life3", TargetType: "workspace", TargetID: "ws_life3"}
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	state, err := eval.EvaluateDay(ctx, target, day, lifecycle.LedgerDay{Successes: 3})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, state)

	var events int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_events WHERE event_type = 'lifecycle.state.changed'
		 AND workspace_id = 'ws_life3'`).Scan(&events))
	assert.Equal(t, 0, events, "steady state stays silent")
}
